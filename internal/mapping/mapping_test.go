package mapping

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifestParsesRules(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "blockchain", `{"name":"blockchain","rules":[{"pattern":"eth","capability":"blockchain","score":0.9}]}`)

	m, err := LoadManifest(dir, "blockchain")
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "blockchain" || len(m.Rules) != 1 {
		t.Fatalf("m = %+v", m)
	}
}

func TestLoadManifestMissingFileErrors(t *testing.T) {
	if _, err := LoadManifest(t.TempDir(), "nope"); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestLoadAllSkipsBrokenFilesAndNonJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "good", `{"name":"good","rules":[{"pattern":"*","capability":"echo"}]}`)
	writeManifest(t, dir, "broken", `not json`)
	os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignore me"), 0644)

	manifests, err := LoadAll(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 1 || manifests[0].Name != "good" {
		t.Fatalf("manifests = %+v", manifests)
	}
}

func TestLoadAllMissingDirReturnsNoError(t *testing.T) {
	manifests, err := LoadAll(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if manifests != nil {
		t.Errorf("manifests = %v, want nil", manifests)
	}
}

func TestFromManifestsMatchesSubstringCaseInsensitively(t *testing.T) {
	fn := FromManifests([]*Manifest{
		{Name: "m1", Rules: []Rule{{Pattern: "Eth", Capability: "blockchain", Score: 0.8}}},
	})

	got := fn("eth_getBalance")
	if len(got) != 1 || got[0].Capability != "blockchain" || got[0].Score != 0.8 {
		t.Fatalf("got = %+v", got)
	}
}

func TestFromManifestsWildcardMatchesEverything(t *testing.T) {
	fn := FromManifests([]*Manifest{
		{Name: "m1", Rules: []Rule{{Pattern: "*", Capability: "generic"}}},
	})

	got := fn("anything_at_all")
	if len(got) != 1 || got[0].Capability != "generic" || got[0].Score != 1.0 {
		t.Fatalf("got = %+v, want default score 1.0", got)
	}
}

func TestFromManifestsFallsBackToIdentityMapping(t *testing.T) {
	fn := FromManifests(nil)
	got := fn("weather_lookup")
	if len(got) != 1 || got[0].Capability != "weather_lookup" || got[0].Score != 1.0 {
		t.Fatalf("got = %+v, want identity fallback", got)
	}
}

func TestFromManifestsCanMatchMultipleRules(t *testing.T) {
	fn := FromManifests([]*Manifest{
		{Name: "m1", Rules: []Rule{
			{Pattern: "eth", Capability: "blockchain"},
			{Pattern: "get", Capability: "read_only"},
		}},
	})

	got := fn("eth_getBalance")
	if len(got) != 2 {
		t.Fatalf("got = %+v, want 2 matches", got)
	}
}
