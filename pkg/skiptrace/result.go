package skiptrace

import (
	"strings"

	"github.com/sells-group/outreach-cli/internal/phone"
)

// RefColumn is the correlation column echoed back on every result row.
const RefColumn = "ref"

// ResultRow is one output record of a trace job.
type ResultRow struct {
	Ref       string `json:"ref"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Name      string `json:"name,omitempty"`
	Street    string `json:"street,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Zip       string `json:"zip,omitempty"`

	Mobile1 string `json:"mobile_1,omitempty"`
	Mobile2 string `json:"mobile_2,omitempty"`
	Mobile3 string `json:"mobile_3,omitempty"`
	Mobile4 string `json:"mobile_4,omitempty"`
	Mobile5 string `json:"mobile_5,omitempty"`

	Landline1 string `json:"landline_1,omitempty"`
	Landline2 string `json:"landline_2,omitempty"`
	Landline3 string `json:"landline_3,omitempty"`

	Email1 string `json:"email_1,omitempty"`
	Email2 string `json:"email_2,omitempty"`
	Email3 string `json:"email_3,omitempty"`
	Email4 string `json:"email_4,omitempty"`
	Email5 string `json:"email_5,omitempty"`

	PrimaryPhone     string `json:"primary_phone,omitempty"`
	PrimaryPhoneType string `json:"primary_phone_type,omitempty"`
}

// Phone is a traced number with the slot kind it came from.
type Phone struct {
	Number string
	Type   string // "mobile" or "landline", or the primary phone's reported type
}

// Phones returns the row's numbers, mobile slots ahead of landline slots.
// The primary phone leads the mobile list when its type is mobile and the
// landline list otherwise. Numbers are normalized to E.164 where possible
// and each appears once, at its first position.
func (r ResultRow) Phones() []Phone {
	var mobiles, landlines []Phone
	for _, n := range []string{r.Mobile1, r.Mobile2, r.Mobile3, r.Mobile4, r.Mobile5} {
		mobiles = append(mobiles, Phone{Number: n, Type: "mobile"})
	}
	for _, n := range []string{r.Landline1, r.Landline2, r.Landline3} {
		landlines = append(landlines, Phone{Number: n, Type: "landline"})
	}

	if strings.TrimSpace(r.PrimaryPhone) != "" {
		typ := strings.ToLower(strings.TrimSpace(r.PrimaryPhoneType))
		primary := Phone{Number: r.PrimaryPhone, Type: typ}
		if isMobileType(typ) {
			primary.Type = "mobile"
			mobiles = append([]Phone{primary}, mobiles...)
		} else {
			if typ == "" {
				primary.Type = "landline"
			}
			landlines = append([]Phone{primary}, landlines...)
		}
	}

	seen := map[string]bool{}
	var out []Phone
	for _, p := range append(mobiles, landlines...) {
		raw := strings.TrimSpace(p.Number)
		if raw == "" {
			continue
		}
		num, ok := phone.NormalizeE164(raw, phone.DefaultRegion)
		if !ok {
			num = digitsOnly(raw)
		}
		if num == "" || seen[num] {
			continue
		}
		seen[num] = true
		out = append(out, Phone{Number: num, Type: p.Type})
	}
	return out
}

// EmailList returns the row's emails lower-cased, deduplicated, in slot order.
func (r ResultRow) EmailList() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range []string{r.Email1, r.Email2, r.Email3, r.Email4, r.Email5} {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func isMobileType(t string) bool {
	switch t {
	case "mobile", "wireless", "cell", "cellular":
		return true
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
