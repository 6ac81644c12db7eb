package wifi

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	linkOut    []byte
	linkErr    error
	captureOut string
	captureErr error
}

func (f fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f.linkOut, f.linkErr
}

func (f fakeRunner) Capture(ctx context.Context, d time.Duration, name string, args ...string) (string, error) {
	return f.captureOut, f.captureErr
}

func TestGetLinkStateNotConnected(t *testing.T) {
	r := fakeRunner{linkOut: []byte("Not connected.\n")}
	st := GetLinkState(context.Background(), r, "wlan0")
	assert.False(t, st.Connected)
}

func TestGetLinkStateConnected(t *testing.T) {
	out := "Connected to aa:bb:cc:dd:ee:ff (on wlan0)\n\tSSID: homenet\n\tfreq: 5180\n"
	r := fakeRunner{linkOut: []byte(out)}
	st := GetLinkState(context.Background(), r, "wlan0")
	require.True(t, st.Connected)
	assert.Equal(t, "homenet", st.SSID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", st.BSSID)
}

func TestLoadKnownDBMissingPathIsEmpty(t *testing.T) {
	db, err := LoadKnownDB("")
	require.NoError(t, err)
	assert.Empty(t, db)
}

func TestLoadKnownDBReadsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known.json")
	data, _ := json.Marshal(KnownDB{
		"homenet": KnownProfile{BSSIDs: []string{"AA:BB:CC:DD:EE:FF"}},
	})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	db, err := LoadKnownDB(path)
	require.NoError(t, err)
	require.Contains(t, db, "homenet")
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, db["homenet"].BSSIDs)
}

func TestCheckAPFingerprintUnknownSSIDIsSilent(t *testing.T) {
	link := LinkState{Connected: true, SSID: "someoneelse", BSSID: "11:22:33:44:55:66"}
	tags := CheckAPFingerprint(link, KnownDB{})
	assert.Empty(t, tags)
}

func TestCheckAPFingerprintUnexpectedBSSIDFlags(t *testing.T) {
	link := LinkState{Connected: true, SSID: "homenet", BSSID: "ff:ff:ff:ff:ff:ff"}
	db := KnownDB{"homenet": KnownProfile{BSSIDs: []string{"aa:bb:cc:dd:ee:ff"}}}
	tags := CheckAPFingerprint(link, db)
	assert.Equal(t, []string{"evil_ap"}, tags)
}

func TestCheckAPFingerprintKnownBSSIDIsClean(t *testing.T) {
	link := LinkState{Connected: true, SSID: "homenet", BSSID: "aa:bb:cc:dd:ee:ff"}
	db := KnownDB{"homenet": KnownProfile{BSSIDs: []string{"aa:bb:cc:dd:ee:ff"}}}
	tags := CheckAPFingerprint(link, db)
	assert.Empty(t, tags)
}

func TestDetectARPSpoofNeedsTwoDistinctMACs(t *testing.T) {
	capture := "ARP, Reply 192.168.1.1 is-at aa:aa:aa:aa:aa:aa\n" +
		"ARP, Reply 192.168.1.1 is-at bb:bb:bb:bb:bb:bb\n"
	tags := DetectARPSpoof(capture, "192.168.1.1")
	assert.ElementsMatch(t, []string{"arp_spoof", "mitm"}, tags)
}

func TestDetectARPSpoofSingleMACIsClean(t *testing.T) {
	capture := "ARP, Reply 192.168.1.1 is-at aa:aa:aa:aa:aa:aa\n"
	tags := DetectARPSpoof(capture, "192.168.1.1")
	assert.Empty(t, tags)
}

func TestDetectRogueDHCPNeedsTwoServers(t *testing.T) {
	capture := "DHCP-Message (Offer) from aa:aa:aa:aa:aa:aa\n" +
		"DHCP-Message (Ack) from bb:bb:bb:bb:bb:bb\n"
	tags := DetectRogueDHCP(capture)
	assert.ElementsMatch(t, []string{"dhcp_spoof", "mitm"}, tags)
}

func TestDetectDNSAnomalyThreshold(t *testing.T) {
	var capture string
	line := "IP 1.1.1.1.53 > 2.2.2.2.12345: 1234 A 9.9.9.9\n"
	for i := 0; i < 8; i++ {
		capture += line
	}
	tags := DetectDNSAnomaly(capture)
	assert.Equal(t, []string{"dns_spoof"}, tags)
}

func TestDetectDNSAnomalyBelowThresholdIsClean(t *testing.T) {
	capture := "IP 1.1.1.1.53 > 2.2.2.2.12345: 1234 A 9.9.9.9\n"
	tags := DetectDNSAnomaly(capture)
	assert.Empty(t, tags)
}

func TestEvaluateDedupsAndSorts(t *testing.T) {
	r := fakeRunner{
		linkOut: []byte("Connected to ff:ff:ff:ff:ff:ff (on wlan0)\n\tSSID: homenet\n"),
		captureOut: "ARP, Reply 192.168.1.1 is-at aa:aa:aa:aa:aa:aa\n" +
			"ARP, Reply 192.168.1.1 is-at bb:bb:bb:bb:bb:bb\n",
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "known.json")
	data, _ := json.Marshal(KnownDB{"homenet": KnownProfile{BSSIDs: []string{"aa:bb:cc:dd:ee:ff"}}})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	safety, err := Evaluate(context.Background(), r, "wlan0", path, "192.168.1.1")
	require.NoError(t, err)
	assert.Contains(t, safety.Tags, "evil_ap")
	assert.Contains(t, safety.Tags, "arp_spoof")
	assert.Contains(t, safety.Tags, "mitm")
	for i := 1; i < len(safety.Tags); i++ {
		assert.LessOrEqual(t, safety.Tags[i-1], safety.Tags[i])
	}
}
