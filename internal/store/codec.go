package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// contactColumns is the column order shared by inserts and scans.
var contactColumns = []string{
	"id", "tenant_id", "name", "first_name", "last_name", "company",
	"street", "city", "state", "zip", "sector", "dedup_key", "status", "block_id",
	"phones", "emails", "score", "qualification", "tier", "priority_score", "raw",
	"created_at", "updated_at",
}

// contactBlobs holds the JSON-encoded enrichment fields of a contact.
type contactBlobs struct {
	Phones        []byte
	Emails        []byte
	Score         []byte
	Qualification []byte
	Raw           []byte
}

func encodeContact(c *model.Contact) (contactBlobs, error) {
	var b contactBlobs
	var err error
	if b.Phones, err = json.Marshal(nonNilPhones(c.Phones)); err != nil {
		return b, eris.Wrap(err, "store: marshal phones")
	}
	if b.Emails, err = json.Marshal(nonNilStrings(c.Emails)); err != nil {
		return b, eris.Wrap(err, "store: marshal emails")
	}
	if b.Score, err = marshalNullable(c.Score); err != nil {
		return b, eris.Wrap(err, "store: marshal score")
	}
	if b.Qualification, err = marshalNullable(c.Qualification); err != nil {
		return b, eris.Wrap(err, "store: marshal qualification")
	}
	if b.Raw, err = json.Marshal(c.Raw); err != nil {
		return b, eris.Wrap(err, "store: marshal raw")
	}
	return b, nil
}

func decodeContact(c *model.Contact, b contactBlobs) error {
	if len(b.Phones) > 0 {
		if err := json.Unmarshal(b.Phones, &c.Phones); err != nil {
			return eris.Wrap(err, "store: unmarshal phones")
		}
	}
	if len(b.Emails) > 0 {
		if err := json.Unmarshal(b.Emails, &c.Emails); err != nil {
			return eris.Wrap(err, "store: unmarshal emails")
		}
	}
	if len(b.Score) > 0 && string(b.Score) != "null" {
		c.Score = &model.ContactScore{}
		if err := json.Unmarshal(b.Score, c.Score); err != nil {
			return eris.Wrap(err, "store: unmarshal score")
		}
	}
	if len(b.Qualification) > 0 && string(b.Qualification) != "null" {
		c.Qualification = &model.QualificationResult{}
		if err := json.Unmarshal(b.Qualification, c.Qualification); err != nil {
			return eris.Wrap(err, "store: unmarshal qualification")
		}
	}
	if len(b.Raw) > 0 && string(b.Raw) != "null" {
		if err := json.Unmarshal(b.Raw, &c.Raw); err != nil {
			return eris.Wrap(err, "store: unmarshal raw")
		}
	}
	return nil
}

// marshalNullable encodes v, or returns nil for a nil pointer so the column stays NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNilPhones(p []model.PhoneCandidate) []model.PhoneCandidate {
	if p == nil {
		return []model.PhoneCandidate{}
	}
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
