// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/officehours/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/officehours/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/officehours/pkg/version.date=2026-01-01"
package version

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// Info is the build description served at GET /version.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the build description.
func Get() Info {
	return Info{Version: String(), Commit: commit, Date: date}
}

// String returns "v0.2.0" for tagged builds, the commit for untagged ones
// and "dev" otherwise.
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// UserAgent returns the User-Agent a component sends, e.g.
// "officehours-client/v0.2.0".
func UserAgent(component string) string {
	return component + "/" + String()
}
