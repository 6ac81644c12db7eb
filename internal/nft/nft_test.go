package nft

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azazel-zero/firstminute/internal/stage"
)

type recordedCall struct {
	stdin string
	name  string
	args  []string
}

type fakeRunner struct {
	calls []recordedCall
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, stdin string, name string, args ...string) error {
	f.calls = append(f.calls, recordedCall{stdin, name, args})
	return f.err
}

func writeTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "first_minute.nft")
	body := "table inet azazel_fmc {\n" +
		"  # @UPSTREAM@ @DOWNSTREAM@ @MGMT_IP@ @MGMT_SUBNET@ @PROBE_TTL@ @DYNAMIC_TTL@\n" +
		"}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testManager(t *testing.T) (*Manager, *fakeRunner) {
	m := New(Config{
		TemplatePath: writeTemplate(t),
		Upstream:     "wlan0",
		Downstream:   "usb0",
		MgmtIP:       "192.168.7.1",
		MgmtSubnet:   "192.168.7.0/24",
		ProbeTTL:     120 * time.Second,
		DynamicTTL:   300 * time.Second,
	}, nil)
	fr := &fakeRunner{}
	m.run = fr
	return m, fr
}

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	m, _ := testManager(t)
	rendered, err := m.RenderPreview()
	require.NoError(t, err)
	assert.Contains(t, rendered, "wlan0")
	assert.Contains(t, rendered, "usb0")
	assert.Contains(t, rendered, "192.168.7.1")
	assert.Contains(t, rendered, "192.168.7.0/24")
	assert.Contains(t, rendered, "120s")
	assert.Contains(t, rendered, "300s")
	assert.NotContains(t, rendered, "@")
}

func TestApplyBasePipesRenderedTemplateToNft(t *testing.T) {
	m, fr := testManager(t)
	require.NoError(t, m.ApplyBase(context.Background()))
	require.Len(t, fr.calls, 1)
	assert.Equal(t, "nft", fr.calls[0].name)
	assert.Equal(t, []string{"-f", "-"}, fr.calls[0].args)
	assert.Contains(t, fr.calls[0].stdin, "wlan0")
}

func TestSetStageFlushesThenAddsMarkRule(t *testing.T) {
	m, fr := testManager(t)
	require.NoError(t, m.SetStage(context.Background(), stage.Contain))
	require.Len(t, fr.calls, 2)
	assert.Equal(t, []string{"flush", "chain", "inet", "azazel_fmc", "stage_switch"}, fr.calls[0].args)
	last := fr.calls[1].args
	assert.Equal(t, "4", last[len(last)-1]) // CONTAIN -> mark 4
}

func TestAddIPIgnoresIPv6(t *testing.T) {
	m, fr := testManager(t)
	require.NoError(t, m.AddIP(context.Background(), "fe80::1", DynamicAllowSet, time.Minute))
	assert.Empty(t, fr.calls)
}

func TestAddIPRenewsLedgerAndIssuesNftCommand(t *testing.T) {
	m, fr := testManager(t)
	require.NoError(t, m.AddIP(context.Background(), "10.0.0.5", DynamicAllowSet, time.Minute))
	require.Len(t, fr.calls, 1)
	assert.Equal(t, "element", fr.calls[0].args[1])
	assert.Contains(t, strings.Join(fr.calls[0].args, " "), "10.0.0.5")

	live, err := m.LiveMembers(context.Background(), DynamicAllowSet)
	require.NoError(t, err)
	assert.Contains(t, live, "10.0.0.5")
}

func TestMemoryLedgerExpiresMembers(t *testing.T) {
	l := newMemoryLedger()
	now := time.Unix(1_700_000_000, 0)
	l.clock = func() time.Time { return now }

	_, err := l.Renew(context.Background(), "dynamic", "1.2.3.4", 10*time.Second)
	require.NoError(t, err)

	now = now.Add(5 * time.Second)
	live, err := l.Renew(context.Background(), "dynamic", "", 0)
	require.NoError(t, err)
	assert.Contains(t, live, "1.2.3.4")

	now = now.Add(10 * time.Second)
	live, err = l.Renew(context.Background(), "dynamic", "", 0)
	require.NoError(t, err)
	assert.NotContains(t, live, "1.2.3.4")
}

func TestClearFlushesBothTables(t *testing.T) {
	m, fr := testManager(t)
	require.NoError(t, m.Clear(context.Background()))
	require.Len(t, fr.calls, 2)
	assert.Equal(t, []string{"flush", "table", "inet", "azazel_fmc"}, fr.calls[0].args)
	assert.Equal(t, []string{"flush", "table", "ip", "nat_azazel_fmc"}, fr.calls[1].args)
}
