package telematics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"octotelematics-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func statsPage(kmRow, dateCell string) string {
	return fmt.Sprintf(`<html><body><div id="statPage2">
<table>%s</table>
<table><tr>
<td class="inputMask">DAL:</td><td class="inputMask">01/01/2024</td>
<td class="inputMask">AL:</td><td class="inputMask">%s</td>
</tr></table>
</div></body></html>`, kmRow, dateCell)
}

const kmRow123456 = `<tr align="center"><td>KM TOTALI PERCORSI 123456 KM</td></tr>`

// fakePortal mimics the customer portal closely enough for the full
// login/fetch/re-login cycle: a form login that issues a rotating
// session cookie and a statistics page that 401s without it.
type fakePortal struct {
	srv *httptest.Server

	mu           sync.Mutex
	token        string
	counter      int
	loginCount   int
	statsCount   int
	statsStatus  int
	statsDelay   time.Duration
	alwaysReject bool
	statsHTML    string
}

func newFakePortal(t *testing.T) *fakePortal {
	p := &fakePortal{
		statsHTML: statsPage(kmRow123456, "05/03/2024"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login.jsp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.loginCount++
		if r.FormValue("UserName") != "mario" || r.FormValue("UserPassword") != "segreta" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.counter++
		p.token = fmt.Sprintf("session-%d", p.counter)
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: p.token, Path: "/"})
		http.Redirect(w, r, "/home.jsp", http.StatusFound)
	})
	mux.HandleFunc("/home.jsp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/clienti/consumiCustomer.jsp", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		token := p.token
		status := p.statsStatus
		delay := p.statsDelay
		reject := p.alwaysReject
		html := p.statsHTML
		p.statsCount++
		p.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		c, err := r.Cookie("JSESSIONID")
		if reject || err != nil || token == "" || c.Value != token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, html)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePortal) revokeSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

func (p *fakePortal) setStats(html string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsHTML = html
	p.statsStatus = status
}

func (p *fakePortal) logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginCount
}

func (p *fakePortal) statsRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsCount
}

func newTestPoller(t *testing.T, portal *fakePortal, password string) *Poller {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	p, err := NewPoller(ctx, Options{
		BaseUrl:  portal.srv.URL,
		Username: "mario",
		Password: password,
	})
	require.NoError(t, err)

	// keep retries instant under test
	p.backoff = func(int) time.Duration { return 0 }
	p.attemptTimeout = time.Second * 2
	return p
}

func TestUpdateFresh(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	p := newTestPoller(t, portal, "segreta")

	m, err := p.Update(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m.TotalKm)
	require.Equal(t, int64(123456), *m.TotalKm)
	require.Equal(t, "2024-03-05", m.UpdatedAt)
	require.Equal(t, 0, p.failures)
	require.Equal(t, 1, portal.logins())
}

func TestFieldsFallBackIndependently(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	p := newTestPoller(t, portal, "segreta")

	ctx := context.Background()
	_, err := p.Update(ctx)
	require.NoError(t, err)

	// km row gone, date fresh: km falls back, date does not
	portal.setStats(statsPage(`<tr align="center"><td>ALTRO</td></tr>`, "06/03/2024"), 0)
	m, err := p.Update(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.TotalKm)
	require.Equal(t, int64(123456), *m.TotalKm)
	require.Equal(t, "2024-03-06", m.UpdatedAt)

	// km fresh, date malformed: date falls back, km does not
	portal.setStats(statsPage(
		`<tr align="center"><td>KM TOTALI PERCORSI 200000 KM</td></tr>`,
		"giovedì",
	), 0)
	m, err = p.Update(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.TotalKm)
	require.Equal(t, int64(200000), *m.TotalKm)
	require.Equal(t, "2024-03-06", m.UpdatedAt)
	require.Equal(t, 0, p.failures)
}

func TestSessionRejectedTriggersRelogin(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	p := newTestPoller(t, portal, "segreta")

	ctx := context.Background()
	_, err := p.Update(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, portal.logins())

	portal.revokeSession()

	m, err := p.Update(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.TotalKm)
	require.Equal(t, int64(123456), *m.TotalKm)
	// exactly one re-login within the retry budget
	require.Equal(t, 2, portal.logins())
	// one rejected fetch plus the successful retry
	require.Equal(t, 3, portal.statsRequests())
}

func TestPersistentRejectionIsAuthFailure(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	portal.alwaysReject = true
	p := newTestPoller(t, portal, "segreta")

	_, err := p.Update(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestInvalidCredentials(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	p := newTestPoller(t, portal, "sbagliata")

	_, err := p.Update(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	// no fallback, no retries
	require.Equal(t, 1, portal.logins())
}

func TestTransientFailureReturnsLastKnown(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	p := newTestPoller(t, portal, "segreta")

	ctx := context.Background()
	_, err := p.Update(ctx)
	require.NoError(t, err)

	portal.setStats("", http.StatusInternalServerError)
	m, err := p.Update(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.TotalKm)
	require.Equal(t, int64(123456), *m.TotalKm)
	require.Equal(t, "2024-03-05", m.UpdatedAt)
	require.Equal(t, 1, p.failures)

	// a success resets the tolerance
	portal.setStats(statsPage(kmRow123456, "05/03/2024"), 0)
	_, err = p.Update(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, p.failures)
}

func TestMissingContainerReturnsLastKnown(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	portal.setStats(`<html><body><p>manutenzione in corso</p></body></html>`, 0)
	p := newTestPoller(t, portal, "segreta")

	m, err := p.Update(context.Background())
	require.NoError(t, err)
	require.Nil(t, m.TotalKm)
	require.Equal(t, "Unknown", m.UpdatedAt)
	require.Equal(t, 1, p.failures)
}

func TestTimeoutReturnsLastKnown(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	p := newTestPoller(t, portal, "segreta")

	ctx := context.Background()
	_, err := p.Update(ctx)
	require.NoError(t, err)

	portal.mu.Lock()
	portal.statsDelay = time.Millisecond * 300
	portal.mu.Unlock()
	p.attemptTimeout = time.Millisecond * 50

	m, err := p.Update(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.TotalKm)
	require.Equal(t, int64(123456), *m.TotalKm)
	require.Equal(t, 1, p.failures)
}

func TestUpdateFailedAfterConsecutiveFailures(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	portal.setStats("", http.StatusInternalServerError)
	p := newTestPoller(t, portal, "segreta")

	ctx := context.Background()
	for i := 1; i <= maxConsecutiveFailures; i++ {
		m, err := p.Update(ctx)
		require.NoError(t, err, "call %d should still fall back", i)
		require.Nil(t, m.TotalKm)
		require.Equal(t, "Unknown", m.UpdatedAt)
		require.Equal(t, i, p.failures)
	}

	_, err := p.Update(ctx)
	require.ErrorIs(t, err, ErrUpdateFailed)
}

func TestTransportErrorAfterSuccess(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:services/telematics")
	defer cleanup()

	portal := newFakePortal(t)
	p := newTestPoller(t, portal, "segreta")

	ctx := context.Background()
	_, err := p.Update(ctx)
	require.NoError(t, err)

	portal.srv.Close()

	m, err := p.Update(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.TotalKm)
	require.Equal(t, int64(123456), *m.TotalKm)
	require.Equal(t, 1, p.failures)
}
