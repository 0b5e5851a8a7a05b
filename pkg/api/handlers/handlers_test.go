package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/analytics"
	"github.com/partnerhub/api/pkg/codes"
	"github.com/partnerhub/api/pkg/database"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/ledger"
	"github.com/partnerhub/api/pkg/logger"
	"github.com/partnerhub/api/pkg/payout"
	"github.com/partnerhub/api/pkg/redemption"
	"github.com/partnerhub/api/pkg/referrer"
	"github.com/partnerhub/api/pkg/testdata"
	"github.com/partnerhub/api/pkg/users"
	"github.com/stretchr/testify/require"
)

type stubPayees struct{}

func (stubPayees) CreatePayee(_ context.Context, _, referrerID string) (string, error) {
	return "acct_" + referrerID[:8], nil
}

func (stubPayees) OnboardingLink(_ context.Context, accountID string) (string, error) {
	return "https://connect.example.com/setup/" + accountID, nil
}

type stubTransferer struct {
	err   error
	calls int
}

func (s *stubTransferer) Transfer(_ context.Context, _ string, _ int64, _, key string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.calls++
	return "tr_" + key, nil
}

type testServer struct {
	db        *database.Client
	users     *users.Service
	registry  *codes.Registry
	referrers *referrer.Service
	ledger    *ledger.Ledger
	engine    *redemption.Engine
	payouts   *payout.Service
	transfer  *stubTransferer
	userH     *UserHandler
	referrerH *ReferrerHandler
	codeH     *CodeHandler
	payoutH   *PayoutHandler
	echo      *echo.Echo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testdata.NewDB(t)
	log := logger.Discard()

	s := &testServer{db: db, echo: echo.New(), transfer: &stubTransferer{}}
	s.users = users.NewService(db)
	s.registry = codes.NewRegistry(db, codes.DefaultConfig(), log)
	s.referrers = referrer.NewService(db, s.registry, s.users, nil, referrer.DefaultConfig(), log,
		referrer.WithPayees(stubPayees{}))
	s.ledger = ledger.New(db)
	stats := analytics.NewService(db, s.ledger, nil)
	s.engine = redemption.NewEngine(db, s.registry, s.users, s.referrers, s.ledger, log,
		redemption.WithInvalidator(stats))
	s.payouts = payout.NewService(db, s.referrers, s.ledger, s.transfer, "usd", log,
		payout.WithInvalidator(stats))

	s.userH = NewUserHandler(s.users)
	s.referrerH = NewReferrerHandler(s.referrers, s.engine, s.payouts, stats)
	s.codeH = NewCodeHandler(s.registry, s.engine)
	s.payoutH = NewPayoutHandler(s.payouts)
	return s
}

// call runs h against a request with a JSON body and path params given as
// name/value pairs.
func (s *testServer) call(t *testing.T, h echo.HandlerFunc, method, target, body string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	if len(params) > 0 {
		var names, values []string
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	require.NoError(t, h(c))
	return rec
}

func (s *testServer) user(t *testing.T) string {
	t.Helper()
	return testdata.InsertUser(t, s.db)
}

// approved creates an approved referrer owning code.
func (s *testServer) approved(t *testing.T, role domain.Role, code string) *referrer.Referrer {
	t.Helper()
	ctx := context.Background()
	a := testdata.NewApplicant()
	r, err := s.referrers.SubmitApplication(ctx, s.user(t), role, referrer.Profile{
		Name: a.Name, Email: a.Email, PreferredCode: code,
	})
	require.NoError(t, err)
	r, err = s.referrers.UpdateStatus(ctx, r.ID, domain.StatusApproved)
	require.NoError(t, err)
	return r
}

// payee is an approved referrer with an enabled payout account.
func (s *testServer) payee(t *testing.T, code string) *referrer.Referrer {
	t.Helper()
	ctx := context.Background()
	r := s.approved(t, domain.RolePartner, code)
	link, err := s.referrers.LinkPayoutAccount(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, s.referrers.ApplyAccountUpdate(ctx, referrer.AccountUpdate{
		ReferrerID: r.ID, AccountID: link.AccountID, PayoutsEnabled: true,
	}))
	r, err = s.referrers.Get(ctx, r.ID)
	require.NoError(t, err)
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	msg, _ := decode(t, rec)["message"].(string)
	return msg
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decode(t, rec)["error"].(string)
	return code
}
