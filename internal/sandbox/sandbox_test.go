package sandbox

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cases")
	if err := os.Mkdir(root, 0o750); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sb, err := New(root, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sb
}

func TestResolve_ControlCharacters(t *testing.T) {
	sb := newTestSandbox(t)

	candidates := []string{
		"case\x00name",
		"case\nINJECTED",
		"case\tname",
		"case\x7fname",
		"\x01",
		"legit/sub\x1fdir",
	}
	for _, c := range candidates {
		if _, err := sb.Resolve(c, OpInspect); !errors.Is(err, ErrInvalidCharacters) {
			t.Errorf("Resolve(%q) = %v, want ErrInvalidCharacters", c, err)
		}
	}
}

func TestResolve_Traversal(t *testing.T) {
	sb := newTestSandbox(t)

	for _, c := range []string{"../", "../../etc/passwd", "a/../../.."} {
		if _, err := sb.Resolve(c, OpInspect); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("Resolve(%q) = %v, want ErrAccessDenied", c, err)
		}
	}
}

func TestResolve_SiblingPrefixBypass(t *testing.T) {
	sb := newTestSandbox(t)

	// "/tmp/.../cases_other" shares the root as a string prefix but is not
	// contained in it. Must be rejected.
	sibling := sb.Root() + "_other"
	if err := os.Mkdir(sibling, 0o750); err != nil {
		t.Fatal(err)
	}
	if _, err := sb.Resolve(sibling, OpInspect); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Resolve(sibling prefix) = %v, want ErrAccessDenied", err)
	}
}

func TestResolve_SymlinkEscape(t *testing.T) {
	sb := newTestSandbox(t)

	outside := filepath.Join(filepath.Dir(sb.Root()), "outside")
	if err := os.Mkdir(outside, 0o750); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(sb.Root(), "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	if _, err := sb.Resolve("escape", OpInspect); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Resolve(symlink escape) = %v, want ErrAccessDenied", err)
	}
	// A file below the escaping link must be denied too.
	if _, err := sb.Resolve("escape/config.xml", OpInspect); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Resolve(file below escaping link) = %v, want ErrAccessDenied", err)
	}
}

func TestResolve_SymlinkedLeafFile(t *testing.T) {
	sb := newTestSandbox(t)

	caseDir := filepath.Join(sb.Root(), "case_a")
	if err := os.Mkdir(caseDir, 0o750); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(filepath.Dir(sb.Root()), "secret.xml")
	if err := os.WriteFile(secret, []byte("<secret/>"), 0o600); err != nil {
		t.Fatal(err)
	}
	// The directory is valid, but its config file is a symlink out.
	if err := os.Symlink(secret, filepath.Join(caseDir, "config.xml")); err != nil {
		t.Fatal(err)
	}

	if _, err := sb.Resolve("case_a/config.xml", OpInspect); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Resolve(symlinked leaf) = %v, want ErrAccessDenied", err)
	}
}

func TestResolve_HiddenComponents(t *testing.T) {
	sb := newTestSandbox(t)

	for _, c := range []string{".git", "case/.ssh/id_rsa", ".hidden/config.xml"} {
		if _, err := sb.Resolve(c, OpInspect); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("Resolve(%q) = %v, want ErrAccessDenied", c, err)
		}
	}
}

func TestResolve_RootIdentity(t *testing.T) {
	sb := newTestSandbox(t)

	got, err := sb.Resolve(sb.Root(), OpInspect)
	if err != nil {
		t.Fatalf("Resolve(root, OpInspect) = %v, want nil", err)
	}
	if got != sb.Root() {
		t.Errorf("Resolve(root) = %q, want %q", got, sb.Root())
	}

	if _, err := sb.Resolve(sb.Root(), OpMutate); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Resolve(root, OpMutate) = %v, want ErrAccessDenied", err)
	}
	// Dot-paths that normalize to the root are equally forbidden.
	if _, err := sb.Resolve(".", OpMutate); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Resolve(\".\", OpMutate) = %v, want ErrAccessDenied", err)
	}
}

func TestResolve_RelativeAnchoring(t *testing.T) {
	sb := newTestSandbox(t)

	caseDir := filepath.Join(sb.Root(), "cylinder2d")
	if err := os.Mkdir(caseDir, 0o750); err != nil {
		t.Fatal(err)
	}

	got, err := sb.Resolve("cylinder2d", OpMutate)
	if err != nil {
		t.Fatalf("Resolve(relative) = %v", err)
	}
	if got != caseDir {
		t.Errorf("Resolve(relative) = %q, want %q", got, caseDir)
	}
}

func TestResolve_NonexistentLeaf(t *testing.T) {
	sb := newTestSandbox(t)

	// Duplicate destinations don't exist yet; they resolve through the
	// parent and stay contained.
	got, err := sb.Resolve("new_case", OpMutate)
	if err != nil {
		t.Fatalf("Resolve(nonexistent) = %v", err)
	}
	if want := filepath.Join(sb.Root(), "new_case"); got != want {
		t.Errorf("Resolve(nonexistent) = %q, want %q", got, want)
	}

	// But a nonexistent parent is a denial, not a pass-through.
	if _, err := sb.Resolve("missing/leaf/deeper", OpMutate); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Resolve(missing parent) = %v, want ErrAccessDenied", err)
	}
}

func TestValidateCaseName(t *testing.T) {
	valid := []string{"cylinder2d", "case_01", "my-case", "A"}
	for _, name := range valid {
		if err := ValidateCaseName(name); err != nil {
			t.Errorf("ValidateCaseName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "a b", "a/b", "a.b", "case$", "ca\nse", "名前"}
	for _, name := range invalid {
		if err := ValidateCaseName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateCaseName(%q) = %v, want ErrInvalidName", name, err)
		}
	}

	reserved := []string{"CON", "con", "Aux", "NUL", "COM1", "com9", "LPT5", "lpt1", "PRN"}
	for _, name := range reserved {
		if err := ValidateCaseName(name); !errors.Is(err, ErrReservedName) {
			t.Errorf("ValidateCaseName(%q) = %v, want ErrReservedName", name, err)
		}
	}
}
