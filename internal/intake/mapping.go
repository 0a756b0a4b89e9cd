package intake

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/dedup"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/phone"
)

// Contact fields a mapping may bind.
const (
	FieldName      = "name"
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldCompany   = "company"
	FieldStreet    = "street"
	FieldCity      = "city"
	FieldState     = "state"
	FieldZip       = "zip"
	FieldSector    = "sector"
	FieldPhone     = "phone" // also phone_2, phone_3, ...
	FieldEmail     = "email" // also email_2, ...
)

// RequiredFields must resolve to a header column for an import to start.
var RequiredFields = []string{FieldName, FieldStreet, FieldCity, FieldState}

// ErrMalformedRow marks a row that cannot be mapped onto a contact.
var ErrMalformedRow = eris.New("intake: malformed row")

// Mapping binds contact field names to column headers. Fields left out of
// the mapping fall back to a header with the same name.
type Mapping map[string]string

// ParseMapping parses "field=Header,field2=Header 2" pairs.
func ParseMapping(spec string) (Mapping, error) {
	m := Mapping{}
	if strings.TrimSpace(spec) == "" {
		return m, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		field, header, ok := strings.Cut(pair, "=")
		field, header = strings.TrimSpace(field), strings.TrimSpace(header)
		if !ok || field == "" || header == "" {
			return nil, eris.Errorf("intake: bad mapping pair %q", pair)
		}
		m[strings.ToLower(field)] = header
	}
	return m, nil
}

// Resolved is a mapping bound to a concrete header row.
type Resolved struct {
	header  []string
	index   map[string]int
	phones  []int
	emails  []int
	minCols int
	region  string
}

// Resolve binds m to header. Header matching ignores case and surrounding
// whitespace. A required field that does not resolve fails the whole import.
func (m Mapping) Resolve(header []string) (*Resolved, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := byName[key]; !dup {
			byName[key] = i
		}
	}

	lookup := func(field string) (int, bool) {
		if h, ok := m[field]; ok {
			i, found := byName[strings.ToLower(strings.TrimSpace(h))]
			return i, found
		}
		i, found := byName[field]
		return i, found
	}

	r := &Resolved{header: header, index: map[string]int{}, region: phone.DefaultRegion}
	for _, f := range []string{FieldName, FieldFirstName, FieldLastName, FieldCompany, FieldStreet, FieldCity, FieldState, FieldZip, FieldSector} {
		if i, ok := lookup(f); ok {
			r.index[f] = i
		}
	}

	var missing []string
	for _, f := range RequiredFields {
		i, ok := r.index[f]
		if !ok {
			missing = append(missing, f)
			continue
		}
		r.minCols = max(r.minCols, i+1)
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("intake: required fields not resolvable from header: %s", strings.Join(missing, ", "))
	}

	r.phones = r.multi(m, byName, FieldPhone)
	r.emails = r.multi(m, byName, FieldEmail)
	return r, nil
}

// multi resolves a repeatable field: the mapped or same-named "phone" column
// plus every "phone_N" the mapping or header provides, in column order.
func (r *Resolved) multi(m Mapping, byName map[string]int, prefix string) []int {
	seen := map[int]bool{}
	for field, h := range m {
		if field == prefix || strings.HasPrefix(field, prefix+"_") {
			if i, ok := byName[strings.ToLower(strings.TrimSpace(h))]; ok {
				seen[i] = true
			}
		}
	}
	for name, i := range byName {
		if _, mapped := m[name]; mapped {
			continue
		}
		if name == prefix || strings.HasPrefix(name, prefix+"_") {
			seen[i] = true
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// MapRow turns one data row into a raw contact for tenantID. Short rows and
// rows with an empty name wrap ErrMalformedRow. Unparsable phone cells are
// dropped, not treated as malformed.
func (r *Resolved) MapRow(tenantID string, row []string) (model.Contact, error) {
	if len(row) < r.minCols {
		return model.Contact{}, eris.Wrapf(ErrMalformedRow, "row has %d columns, need %d", len(row), r.minCols)
	}

	c := model.Contact{
		TenantID:  tenantID,
		Name:      r.get(row, FieldName),
		FirstName: r.get(row, FieldFirstName),
		LastName:  r.get(row, FieldLastName),
		Company:   r.get(row, FieldCompany),
		Street:    r.get(row, FieldStreet),
		City:      r.get(row, FieldCity),
		State:     r.get(row, FieldState),
		Zip:       r.get(row, FieldZip),
		Sector:    strings.ToLower(r.get(row, FieldSector)),
		Status:    model.StatusRaw,
	}
	if c.Name == "" {
		return model.Contact{}, eris.Wrap(ErrMalformedRow, "empty name")
	}
	if c.Company == "" {
		c.Company = c.Name
	}

	c.DedupKey = dedup.Key(c.Name, c.Street, c.City, c.State)

	seen := map[string]bool{}
	for _, i := range r.phones {
		if i >= len(row) {
			continue
		}
		num, ok := phone.NormalizeE164(row[i], r.region)
		if !ok || seen[num] {
			continue
		}
		seen[num] = true
		c.Phones = append(c.Phones, model.PhoneCandidate{Number: num, LineType: model.LineUnknown, Source: "import"})
	}
	for _, i := range r.emails {
		if i >= len(row) {
			continue
		}
		if e := strings.ToLower(strings.TrimSpace(row[i])); e != "" && strings.Contains(e, "@") && !seen[e] {
			seen[e] = true
			c.Emails = append(c.Emails, e)
		}
	}

	c.Raw = make(map[string]string, len(r.header))
	for i, h := range r.header {
		if i < len(row) && row[i] != "" {
			c.Raw[h] = row[i]
		}
	}
	return c, nil
}

func (r *Resolved) get(row []string, field string) string {
	i, ok := r.index[field]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
