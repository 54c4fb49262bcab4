package blobpack

import (
	"bufio"
	"embed"
	"path"
	"strings"

	"github.com/spf13/afero"
)

//go:embed bundles/*.gitignore
var bundleFiles embed.FS

// Bundle is a predefined rule set merged into a directory whose layout
// identifies a known project type.
type Bundle struct {
	Name string
	// Markers are subdirectory names. At least MinMarkers must be present.
	Markers    []string
	MinMarkers int
	// Confirm runs after the marker check; nil accepts.
	Confirm func(fs afero.Fs, dir string) bool
	// Rules is ignore-file text compiled relative to the detected directory.
	Rules string
}

// UnityBundle skips generated folders of Unity projects.
var UnityBundle = Bundle{
	Name:       "unity",
	Markers:    []string{"Assets", "ProjectSettings"},
	MinMarkers: 2,
	Confirm:    isUnityProject,
	Rules:      mustBundleRules("unity.gitignore"),
}

// DefaultBundles returns the bundles enabled when nothing is configured.
func DefaultBundles() []Bundle {
	return []Bundle{UnityBundle}
}

// BundleByName looks up a built-in bundle.
func BundleByName(name string) (Bundle, bool) {
	for _, b := range DefaultBundles() {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return Bundle{}, false
}

// matches reports whether dir, with the given subdirectory names, looks like
// the bundle's project layout.
func (b Bundle) matches(fs afero.Fs, dir string, subdirs map[string]bool) bool {
	found := 0
	for _, m := range b.Markers {
		if subdirs[m] {
			found++
		}
	}
	if found < b.MinMarkers {
		return false
	}
	return b.Confirm == nil || b.Confirm(fs, dir)
}

// compile returns the bundle rules scoped to dir.
func (b Bundle) compile(dir string) (RuleSet, []*PatternSyntaxError) {
	rules, invalid, _ := ParseRules(strings.NewReader(b.Rules), "bundle:"+b.Name, dir)
	return rules, invalid
}

func isUnityProject(fs afero.Fs, dir string) bool {
	f, err := fs.Open(path.Join(dir, "ProjectSettings", "ProjectVersion.txt"))
	if err != nil {
		return false
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.HasPrefix(s.Text(), "m_EditorVersion:") {
			return true
		}
	}
	return false
}

func mustBundleRules(name string) string {
	b, err := bundleFiles.ReadFile("bundles/" + name)
	if err != nil {
		panic("blobpack: missing rule bundle " + name)
	}
	return string(b)
}
