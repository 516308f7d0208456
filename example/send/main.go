package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.io/infrasutra/mailcatch/internal/intake"
	"github.io/infrasutra/mailcatch/internal/probe"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:2025", "mailcatch SMTP address")
	username := flag.String("user", "mailcatch", "SMTP username")
	password := flag.String("pass", "mailcatch", "SMTP password")
	count := flag.Int("n", 1, "number of messages to send")
	flag.Parse()

	from := "sender@example.com"
	to := []string{"receiver@example.com"}
	cfg := probe.Config{Addr: *addr, Username: *username, Password: *password, Timeout: 10 * time.Second}

	for i := 1; i <= *count; i++ {
		raw, err := intake.Compose(intake.Draft{
			From:    "Mailcatch Example <" + from + ">",
			To:      to,
			Subject: fmt.Sprintf("Mailcatch Example #%d", i),
			Text:    fmt.Sprintf("Hello from mailcatch. Message %d.", i),
			HTML:    fmt.Sprintf("<p>Hello from <b>mailcatch</b>. Message %d.</p>", i),
		}, time.Now())
		if err != nil {
			fmt.Fprintln(os.Stderr, "compose:", err)
			os.Exit(1)
		}
		if err := probe.Send(context.Background(), cfg, from, to, raw); err != nil {
			fmt.Fprintln(os.Stderr, "send:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("sent %d messages\n", *count)
}
