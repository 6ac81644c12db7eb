package controller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azazel-zero/firstminute/internal/nft"
	"github.com/azazel-zero/firstminute/internal/shaping"
	"github.com/azazel-zero/firstminute/internal/stage"
	"github.com/azazel-zero/firstminute/internal/status"
	"github.com/azazel-zero/firstminute/internal/wifi"
	"github.com/azazel-zero/firstminute/pkg/config"
)

type fakeWifiRunner struct {
	safety wifi.Safety
	err    error
}

func (f fakeWifiRunner) Evaluate(ctx context.Context, iface, knownDBPath, gatewayIP string) (wifi.Safety, error) {
	return f.safety, f.err
}

func testController(t *testing.T, wr wifiRunner) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.StateMachine.ProbeWindowSec = 0.01
	cfg.StateMachine.StableProbeSec = 0.01
	// Keep the probe battery fast and network-free for unit tests.
	cfg.Probes.CaptivePortal.URL = "http://127.0.0.1:1"
	cfg.Probes.CaptivePortal.Timeout = 1
	cfg.Probes.CaptivePortal.Retries = 0
	cfg.Probes.DNSCompare.Enabled = false

	nftMgr := nft.New(nft.Config{
		TemplatePath: writeFakeTemplate(t),
		Upstream:     cfg.Interfaces.Upstream,
		Downstream:   cfg.Interfaces.Downstream,
		MgmtIP:       cfg.Interfaces.MgmtIP,
		MgmtSubnet:   cfg.Interfaces.MgmtSubnet,
		ProbeTTL:     time.Minute,
		DynamicTTL:   time.Minute,
	}, nil)
	tcMgr := shaping.New(cfg.Interfaces.Downstream, cfg.Interfaces.Upstream)
	store := status.NewStore("test")

	c := New(cfg, Options{DryRun: true}, nftMgr, tcMgr, store)
	c.wifiRun = wr
	return c
}

func writeFakeTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/tmpl.nft"
	body := "table inet azazel_fmc { # @UPSTREAM@ @DOWNSTREAM@ @MGMT_IP@ @MGMT_SUBNET@ @PROBE_TTL@ @DYNAMIC_TTL@\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestTickPublishesSnapshot(t *testing.T) {
	wr := fakeWifiRunner{safety: wifi.Safety{Link: wifi.LinkState{Connected: true, SSID: "home", BSSID: "aa:bb:cc:dd:ee:ff"}}}
	c := testController(t, wr)

	var tickCount uint64
	c.tick(context.Background(), &tickCount)

	snap := c.store.Load()
	assert.Equal(t, stage.Probe, snap.Stage)
	assert.True(t, snap.Wifi.Link.Connected)
	assert.Equal(t, "home", snap.Wifi.Link.SSID)
	assert.EqualValues(t, 1, snap.TickCount)
}

func TestTickResetsToProbeOnNewBSSID(t *testing.T) {
	wr := fakeWifiRunner{safety: wifi.Safety{Link: wifi.LinkState{Connected: true, BSSID: "11:11:11:11:11:11"}}}
	c := testController(t, wr)
	c.ForceState(stage.Contain, "test-setup")
	c.currentStage = stage.Contain

	var tickCount uint64
	c.tick(context.Background(), &tickCount)

	snap := c.store.Load()
	assert.Equal(t, stage.Probe, snap.Stage, "a new BSSID must re-arm PROBE regardless of prior stage")
}

func TestTickAppliesWifiTagsAsSuspicionSignal(t *testing.T) {
	wr := fakeWifiRunner{safety: wifi.Safety{
		Link: wifi.LinkState{Connected: true, BSSID: "aa:aa:aa:aa:aa:aa"},
		Tags: []string{"evil_ap"},
	}}
	c := testController(t, wr)

	var tickCount uint64
	c.tick(context.Background(), &tickCount)

	snap := c.store.Load()
	assert.Greater(t, snap.Suspicion, 0.0)
	assert.Contains(t, snap.Wifi.WifiTags, "evil_ap")
}

func TestTickLinkDownResetsToInit(t *testing.T) {
	wr := fakeWifiRunner{safety: wifi.Safety{Link: wifi.LinkState{Connected: false}}}
	c := testController(t, wr)
	c.ForceState(stage.Normal, "test-setup")
	c.currentStage = stage.Normal

	var tickCount uint64
	c.tick(context.Background(), &tickCount)

	snap := c.store.Load()
	assert.Equal(t, stage.Init, snap.Stage)
}
