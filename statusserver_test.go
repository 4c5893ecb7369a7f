package modhost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider serves canned data to the status API handlers.
type stubProvider struct {
	report   StatusReport
	detail   ModuleDetail
	infoErr  error
	mode     DegradationMode
	health   HealthSummary
	breakers map[string]CircuitState
}

func (p *stubProvider) Status() StatusReport         { return p.report }
func (p *stubProvider) Mode() DegradationMode        { return p.mode }
func (p *stubProvider) HealthSummary() HealthSummary { return p.health }
func (p *stubProvider) BreakerStates() map[string]CircuitState { return p.breakers }
func (p *stubProvider) Info(name string) (ModuleDetail, error) {
	if p.infoErr != nil {
		return ModuleDetail{}, p.infoErr
	}
	return p.detail, nil
}

func newStatusTestServer(provider *stubProvider) *httptest.Server {
	return httptest.NewServer(NewStatusServer("", provider, testLogger()).Router())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestStatusAPIModules(t *testing.T) {
	provider := &stubProvider{report: StatusReport{
		Modules: []ModuleInfo{
			{Descriptor: desc("alpha"), State: StateLoaded},
			{Descriptor: desc("beta"), State: StateBroken, StateReason: "init failed"},
		},
	}}
	srv := newStatusTestServer(provider)
	defer srv.Close()

	var modules []ModuleInfo
	code := getJSON(t, srv.URL+"/modules", &modules)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, modules, 2)
	assert.Equal(t, "alpha", modules[0].Descriptor.Name)
}

func TestStatusAPIModulesStateFilter(t *testing.T) {
	provider := &stubProvider{report: StatusReport{
		Modules: []ModuleInfo{
			{Descriptor: desc("alpha"), State: StateLoaded},
			{Descriptor: desc("beta"), State: StateBroken},
		},
	}}
	srv := newStatusTestServer(provider)
	defer srv.Close()

	var modules []ModuleInfo
	code := getJSON(t, srv.URL+"/modules?state=broken", &modules)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, modules, 1)
	assert.Equal(t, "beta", modules[0].Descriptor.Name)

	var errBody map[string]string
	code = getJSON(t, srv.URL+"/modules?state=bogus", &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errBody["error"], "bogus")
}

func TestStatusAPIModuleDetail(t *testing.T) {
	provider := &stubProvider{detail: ModuleDetail{
		ModuleInfo: ModuleInfo{Descriptor: desc("alpha"), State: StateLoaded},
		Breaker:    "closed",
	}}
	srv := newStatusTestServer(provider)
	defer srv.Close()

	var detail ModuleDetail
	code := getJSON(t, srv.URL+"/modules/alpha", &detail)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alpha", detail.Descriptor.Name)
	assert.Equal(t, "closed", detail.Breaker)
}

func TestStatusAPIModuleNotFound(t *testing.T) {
	provider := &stubProvider{infoErr: ErrModuleNotFound}
	srv := newStatusTestServer(provider)
	defer srv.Close()

	var errBody map[string]string
	code := getJSON(t, srv.URL+"/modules/ghost", &errBody)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, errBody["error"])
}

func TestStatusAPIBreakersAndMode(t *testing.T) {
	provider := &stubProvider{
		mode:     ModeMinimal,
		breakers: map[string]CircuitState{"flaky": CircuitOpen, "steady": CircuitClosed},
	}
	srv := newStatusTestServer(provider)
	defer srv.Close()

	var breakers map[string]string
	code := getJSON(t, srv.URL+"/breakers", &breakers)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "open", breakers["flaky"])
	assert.Equal(t, "closed", breakers["steady"])

	var mode map[string]string
	code = getJSON(t, srv.URL+"/mode", &mode)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "minimal", mode["mode"])
}

func TestStatusAPIHealthAndStatus(t *testing.T) {
	provider := &stubProvider{
		report: StatusReport{Mode: "graceful", Counts: map[string]int{"loaded": 3}},
		health: HealthSummary{Worst: HealthWarning, GeneratedAt: time.Now()},
	}
	srv := newStatusTestServer(provider)
	defer srv.Close()

	var health map[string]any
	code := getJSON(t, srv.URL+"/health", &health)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "warning", health["worst"])

	var status map[string]any
	code = getJSON(t, srv.URL+"/status", &status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "graceful", status["mode"])
}

func TestStatusServerStartStop(t *testing.T) {
	srv := NewStatusServer("127.0.0.1:0", &stubProvider{}, testLogger())
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))

	disabled := NewStatusServer("", &stubProvider{}, testLogger())
	assert.ErrorIs(t, disabled.Start(context.Background()), ErrStatusServerDisabled)
	assert.NoError(t, disabled.Stop(context.Background()), "stopping a never-started server is a no-op")
}
