package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/dedup"
	"github.com/sells-group/outreach-cli/internal/intake"
	"github.com/sells-group/outreach-cli/internal/model"
)

// importBatchSize is how many novel contacts are buffered per insert.
const importBatchSize = 500

// ImportResult counts the rows of one import. Every data row lands in
// exactly one of Imported, DuplicatesInFile, DuplicatesInStore or Failed.
type ImportResult struct {
	Imported          int `json:"imported"`
	DuplicatesInFile  int `json:"duplicates_in_file"`
	DuplicatesInStore int `json:"duplicates_in_store"`
	Failed            int `json:"failed"`
}

// Import streams src through the column mapping and the dedup filter and
// inserts novel contacts as raw. Malformed rows are counted, not fatal.
func (p *Pipeline) Import(ctx context.Context, tenant string, src *intake.Source, mapping intake.Mapping) (*ImportResult, error) {
	defer drain(src.Rows)

	if strings.TrimSpace(tenant) == "" {
		return nil, eris.New("pipeline: tenant is required")
	}
	resolved, err := mapping.Resolve(src.Header)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: resolve mapping")
	}
	existing, err := p.store.ExistingDedupKeys(ctx, tenant)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load dedup keys")
	}

	log := zap.L().With(zap.String("tenant", tenant))
	filter := dedup.NewFilter(existing)
	res := &ImportResult{}
	batch := make([]model.Contact, 0, importBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := p.store.InsertContacts(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "pipeline: insert contacts")
		}
		// A concurrent import may have stored the same key since the
		// filter loaded; the store drops those rows.
		if lost := len(batch) - n; lost > 0 {
			res.DuplicatesInStore += lost
		}
		res.Imported += n
		batch = batch[:0]
		return nil
	}

	row := 0
	for fields := range src.Rows {
		row++
		c, err := resolved.MapRow(tenant, fields)
		if err == nil && c.DedupKey == "" {
			err = eris.Wrap(intake.ErrMalformedRow, "no dedup key")
		}
		if err != nil {
			filter.Fail()
			log.Debug("pipeline: skipping row", zap.Int("row", row), zap.Error(err))
			continue
		}
		if filter.Check(c.DedupKey) != dedup.Novel {
			continue
		}
		batch = append(batch, c)
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := src.Err(); err != nil {
		return res, eris.Wrap(err, "pipeline: read source")
	}
	if err := flush(); err != nil {
		return res, err
	}

	fr := filter.Result()
	res.DuplicatesInFile = fr.DuplicatesInFile
	res.DuplicatesInStore += fr.DuplicatesInStore
	res.Failed = fr.Failed

	log.Info("pipeline: import complete",
		zap.Int("rows", row),
		zap.Int("imported", res.Imported),
		zap.Int("duplicates_in_file", res.DuplicatesInFile),
		zap.Int("duplicates_in_store", res.DuplicatesInStore),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// drain consumes rows left unread so the reader goroutine can exit.
func drain(rows <-chan []string) {
	for range rows {
	}
}
