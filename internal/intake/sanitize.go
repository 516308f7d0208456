package intake

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strict removes every tag; display names and addresses end up in the list
// view verbatim.
var strict = bluemonday.StrictPolicy()

// unsafe characters never survive into a display string, so the joined
// value can sit in a quoted HTML attribute as is. The angle brackets around
// the address are added after this pass.
var unsafe = strings.NewReplacer(`"`, "", "`", "", "<", "", ">", "")

// sanitize reduces s to plain text: tags are stripped, the entities
// bluemonday emits are decoded once and the characters that could reopen
// markup or close an attribute are dropped.
func sanitize(s string) string {
	plain := html.UnescapeString(strict.Sanitize(s))
	plain = strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return -1
		}
		return r
	}, plain)
	return strings.TrimSpace(unsafe.Replace(plain))
}

func displayAddress(name, address string) string {
	name = sanitize(name)
	address = sanitize(address)
	if name == "" {
		return address
	}
	if address == "" {
		return name
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

// JoinAddresses renders an address list the way summaries and detail records
// carry it.
func JoinAddresses(list []string) string {
	return strings.Join(list, ", ")
}
