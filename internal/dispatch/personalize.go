package dispatch

import (
	"regexp"
	"strings"

	"github.com/sells-group/outreach-cli/internal/model"
)

// DefaultOptOut is appended to messages that carry no opt-out wording.
const DefaultOptOut = "Reply STOP to opt out."

var stopWord = regexp.MustCompile(`(?i)\bstop\b`)

// Personalize fills {first_name}, {company} and {name} from c and appends
// optOut unless the template already carries opt-out wording: the optOut
// text itself or the word STOP. Substituted names never count, so a
// contact called "Christopher" still gets the opt-out.
func Personalize(template string, c model.Contact, optOut string) string {
	first := strings.TrimSpace(c.FirstName)
	if first == "" {
		first = "there"
	}
	company := strings.TrimSpace(c.Company)
	if company == "" {
		company = strings.TrimSpace(c.Name)
	}
	if company == "" {
		company = "your business"
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = company
	}

	body := strings.NewReplacer(
		"{first_name}", first,
		"{company}", company,
		"{name}", name,
	).Replace(template)
	body = strings.TrimSpace(body)

	if optOut == "" {
		optOut = DefaultOptOut
	}
	if !hasOptOut(template, optOut) {
		body += " " + optOut
	}
	return body
}

func hasOptOut(template, optOut string) bool {
	if strings.Contains(strings.ToLower(template), strings.ToLower(optOut)) {
		return true
	}
	return stopWord.MatchString(template)
}
