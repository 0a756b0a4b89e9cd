package enrich

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/contactscore"
	"github.com/sells-group/outreach-cli/pkg/skiptrace"
)

type fakeSkip struct {
	submits atomic.Int32
	submit  func(req skiptrace.SubmitRequest) (*skiptrace.SubmitResponse, error)
	status  func() (*skiptrace.StatusResponse, error)
	rows    []skiptrace.ResultRow
}

func (f *fakeSkip) Submit(_ context.Context, req skiptrace.SubmitRequest) (*skiptrace.SubmitResponse, error) {
	f.submits.Add(1)
	if f.submit != nil {
		return f.submit(req)
	}
	return &skiptrace.SubmitResponse{JobID: "job-1"}, nil
}

func (f *fakeSkip) Status(context.Context, string) (*skiptrace.StatusResponse, error) {
	if f.status != nil {
		return f.status()
	}
	return &skiptrace.StatusResponse{}, nil
}

func (f *fakeSkip) Results(context.Context, string, string) ([]skiptrace.ResultRow, error) {
	return f.rows, nil
}

type scoreFunc func(ctx context.Context, req contactscore.ScoreRequest) (*contactscore.ScoreResponse, error)

func (f scoreFunc) Score(ctx context.Context, req contactscore.ScoreRequest) (*contactscore.ScoreResponse, error) {
	return f(ctx, req)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func boolp(b bool) *bool { return &b }

func TestTraceContacts_MatchesByRef(t *testing.T) {
	skip := &fakeSkip{
		submit: func(req skiptrace.SubmitRequest) (*skiptrace.SubmitResponse, error) {
			assert.Equal(t, skiptrace.DepthEnhanced, req.Depth)
			assert.Equal(t, skiptrace.RefColumn, req.ColumnMapping[skiptrace.RefColumn])
			require.Len(t, req.Rows, 3)
			assert.Equal(t, "c1", req.Rows[0][skiptrace.RefColumn])
			assert.Equal(t, "100 Main St", req.Rows[0]["street"])
			return &skiptrace.SubmitResponse{JobID: "job-1"}, nil
		},
		// out of order, with a stray row
		rows: []skiptrace.ResultRow{
			{Ref: "c3", Mobile1: "5125550303", Email1: "Three@Example.com"},
			{Ref: "zzz", Mobile1: "5125550999"},
			{Ref: "c1", FirstName: "Dana", Mobile1: "5125550101", Landline1: "5125550102"},
		},
	}
	gw := New(skip, nil, WithRetry(fastRetry()), WithTraceOptions(skiptrace.WithPollInterval(time.Millisecond)))

	contacts := []model.Contact{
		{ID: "c1", Name: "Acme", Street: "100 Main St", Phones: []model.PhoneCandidate{{Number: "+15125550101", Source: "import"}}},
		{ID: "c2", Name: "Globex"},
		{ID: "c3", Name: "Initech", Emails: []string{"three@example.com"}},
	}

	res, err := gw.TraceContacts(context.Background(), contacts, skiptrace.DepthEnhanced)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, res.Unmatched)
	assert.Equal(t, 1, res.UnknownRefs)

	c1 := res.Contacts[0]
	assert.Equal(t, "Dana", c1.FirstName)
	require.Len(t, c1.Phones, 2)
	assert.Equal(t, "import", c1.Phones[0].Source, "existing phone kept, not duplicated")
	assert.Equal(t, "+15125550102", c1.Phones[1].Number)
	assert.Equal(t, model.LineLandline, c1.Phones[1].LineType)

	assert.Empty(t, res.Contacts[1].Phones)

	c3 := res.Contacts[2]
	require.Len(t, c3.Phones, 1)
	assert.Equal(t, model.LineMobile, c3.Phones[0].LineType)
	assert.Equal(t, "skiptrace", c3.Phones[0].Source)
	assert.Equal(t, []string{"three@example.com"}, c3.Emails)

	assert.Len(t, contacts[0].Phones, 1, "input slice untouched")
}

func TestTraceContacts_Empty(t *testing.T) {
	skip := &fakeSkip{}
	res, err := New(skip, nil).TraceContacts(context.Background(), nil, skiptrace.DepthBasic)
	require.NoError(t, err)
	assert.Empty(t, res.Contacts)
	assert.Zero(t, skip.submits.Load())
}

func TestTraceContacts_SubmitRetriedThenFatal(t *testing.T) {
	skip := &fakeSkip{
		submit: func(skiptrace.SubmitRequest) (*skiptrace.SubmitResponse, error) {
			return nil, resilience.NewTransientError(errors.New("503"), 503)
		},
	}
	gw := New(skip, nil, WithRetry(fastRetry()))

	_, err := gw.TraceContacts(context.Background(), []model.Contact{{ID: "c1"}}, skiptrace.DepthBasic)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit trace")
	assert.Equal(t, int32(3), skip.submits.Load())
}

func TestTraceContacts_SubmitRecovers(t *testing.T) {
	skip := &fakeSkip{rows: []skiptrace.ResultRow{{Ref: "c1", Mobile1: "5125550101"}}}
	skip.submit = func(skiptrace.SubmitRequest) (*skiptrace.SubmitResponse, error) {
		if skip.submits.Load() == 1 {
			return nil, resilience.NewTransientError(errors.New("429"), 429)
		}
		return &skiptrace.SubmitResponse{JobID: "job-2"}, nil
	}
	gw := New(skip, nil, WithRetry(fastRetry()))

	res, err := gw.TraceContacts(context.Background(), []model.Contact{{ID: "c1"}}, skiptrace.DepthBasic)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, int32(2), skip.submits.Load())
}

func TestTraceContacts_Timeout(t *testing.T) {
	skip := &fakeSkip{
		status: func() (*skiptrace.StatusResponse, error) {
			return &skiptrace.StatusResponse{Pending: true}, nil
		},
	}
	gw := New(skip, nil, WithTraceOptions(
		skiptrace.WithPollInterval(2*time.Millisecond),
		skiptrace.WithMaxWait(20*time.Millisecond),
	))

	_, err := gw.TraceContacts(context.Background(), []model.Contact{{ID: "c1"}}, skiptrace.DepthBasic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, skiptrace.ErrTimeout))
}

func TestTraceContacts_MissingID(t *testing.T) {
	_, err := New(&fakeSkip{}, nil).TraceContacts(context.Background(), []model.Contact{{Name: "x"}}, skiptrace.DepthBasic)
	assert.Error(t, err)
}

func TestScorePhone(t *testing.T) {
	c := model.Contact{ID: "c1", FirstName: "Dana", Company: "Acme"}
	p := model.PhoneCandidate{Number: "+15125550101", LineType: model.LineUnknown, Source: "skiptrace"}

	tests := []struct {
		name string
		resp *contactscore.ScoreResponse
		err  error
		want model.PhoneCandidate
	}{
		{
			name: "full response",
			resp: &contactscore.ScoreResponse{ActivityScore: 91, ContactGrade: "a", LineType: "Wireless", NameMatch: true, IsValid: boolp(true), IsReachable: boolp(false)},
			want: model.PhoneCandidate{Number: p.Number, LineType: model.LineMobile, Grade: model.GradeA, ActivityScore: 91, Valid: true, Reachable: false, NameMatch: true, Scored: true, Source: "skiptrace"},
		},
		{
			name: "validity defaults to true, activity clamped",
			resp: &contactscore.ScoreResponse{ActivityScore: 140, ContactGrade: "B", LineType: "landline"},
			want: model.PhoneCandidate{Number: p.Number, LineType: model.LineLandline, Grade: model.GradeB, ActivityScore: 100, Valid: true, Reachable: true, Scored: true, Source: "skiptrace"},
		},
		{
			name: "missing grade",
			resp: &contactscore.ScoreResponse{ActivityScore: 80, LineType: "mobile"},
			want: model.PhoneCandidate{Number: p.Number, LineType: model.LineUnknown, Grade: model.GradeF, Scored: true, Source: "skiptrace"},
		},
		{
			name: "provider error",
			err:  errors.New("invalid api key"),
			want: model.PhoneCandidate{Number: p.Number, LineType: model.LineUnknown, Grade: model.GradeF, Scored: true, Source: "skiptrace"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := scoreFunc(func(_ context.Context, req contactscore.ScoreRequest) (*contactscore.ScoreResponse, error) {
				assert.Equal(t, "+15125550101", req.Phone)
				assert.Equal(t, "Dana", req.FirstName)
				assert.Equal(t, "Acme", req.Company)
				return tt.resp, tt.err
			})
			gw := New(nil, score, WithRetry(fastRetry()))
			assert.Equal(t, tt.want, gw.ScorePhone(context.Background(), c, p))
		})
	}
}

func TestScorePhone_OpenCircuitYieldsPlaceholder(t *testing.T) {
	var calls atomic.Int32
	score := scoreFunc(func(context.Context, contactscore.ScoreRequest) (*contactscore.ScoreResponse, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	gw := New(nil, score, WithBreakers(breakers), WithRetry(resilience.RetryConfig{MaxAttempts: 1}))

	p := model.PhoneCandidate{Number: "+15125550101", LineType: model.LineMobile}
	for range 4 {
		got := gw.ScorePhone(context.Background(), model.Contact{ID: "c1"}, p)
		assert.Equal(t, model.GradeF, got.Grade)
		assert.False(t, got.Valid)
	}
	assert.Equal(t, int32(2), calls.Load(), "open circuit short-circuits the provider")
	assert.Equal(t, resilience.CircuitOpen, breakers.Get(resilience.ServiceScoring).State())
}

func TestScoreContact(t *testing.T) {
	var inflight, peak atomic.Int32
	score := scoreFunc(func(_ context.Context, req contactscore.ScoreRequest) (*contactscore.ScoreResponse, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		if req.Phone == "+15125550103" {
			return nil, errors.New("boom")
		}
		return &contactscore.ScoreResponse{ActivityScore: 75, ContactGrade: "B", LineType: "mobile"}, nil
	})
	gw := New(nil, score, WithConcurrency(2), WithRetry(resilience.RetryConfig{MaxAttempts: 1}))

	c := model.Contact{ID: "c1", Phones: []model.PhoneCandidate{
		{Number: "+15125550101"}, {Number: "+15125550102"}, {Number: "+15125550103"}, {Number: "+15125550104"},
	}}
	phones, err := gw.ScoreContact(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, phones, 4)
	for i, p := range phones {
		assert.Equal(t, c.Phones[i].Number, p.Number)
		assert.True(t, p.Scored)
	}
	assert.Equal(t, model.GradeF, phones[2].Grade)
	assert.Equal(t, model.GradeB, phones[3].Grade)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestScoreContact_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	score := scoreFunc(func(ctx context.Context, _ contactscore.ScoreRequest) (*contactscore.ScoreResponse, error) {
		return nil, ctx.Err()
	})
	gw := New(nil, score, WithRetry(resilience.RetryConfig{MaxAttempts: 1}))

	_, err := gw.ScoreContact(ctx, model.Contact{ID: "c1", Phones: []model.PhoneCandidate{{Number: "+1"}}})
	assert.ErrorIs(t, err, context.Canceled)
}
