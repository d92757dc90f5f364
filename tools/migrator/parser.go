package migrator

import (
	"bufio"
	"cmp"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)

// ParseMigrationFile reads a single migration file from fsys and parses it.
func ParseMigrationFile(fsys fs.FS, name string) (*Migration, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file: %w", err)
	}
	return ParseMigration(path.Base(name), string(content))
}

// ParseMigration parses migration content named NNN_name.sql.
//
// Lines before the "-- +migrate Up" marker are ignored. Between the marker
// and the first statement only blank lines, comments and
// "-- +migrate Depends: NNN ..." directives may appear. The marker accepts
// a single option, notransaction.
func ParseMigration(filename, content string) (*Migration, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}
	m := &Migration{Version: version, Name: matches[2]}

	var (
		inUp    bool
		inBody  bool
		body    strings.Builder
		scanner = bufio.NewScanner(strings.NewReader(content))
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		args, isDirective := directive(trimmed)

		switch {
		case !inUp:
			if !isDirective || len(args) == 0 || args[0] != "Up" {
				continue
			}
			switch {
			case len(args) == 1:
			case len(args) == 2 && args[1] == "notransaction":
				m.NoTransaction = true
			default:
				return nil, fmt.Errorf("unknown Up option %q in migration file: %s", strings.Join(args[1:], " "), filename)
			}
			inUp = true

		case !inBody && isDirective && len(args) > 0 && args[0] == "Depends:":
			if len(args) == 1 {
				return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
			}
			for _, raw := range args[1:] {
				dep, err := strconv.Atoi(raw)
				if err != nil {
					return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", raw, filename)
				}
				m.Dependencies = append(m.Dependencies, dep)
			}

		case !inBody && (trimmed == "" || strings.HasPrefix(trimmed, "--")):
			// preamble

		default:
			inBody = true
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", filename, err)
	}

	if !inUp {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}
	m.UpSQL = strings.TrimSpace(body.String())
	if m.UpSQL == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}
	return m, nil
}

// directive splits a "-- +migrate ..." comment into its words
func directive(line string) ([]string, bool) {
	rest, ok := strings.CutPrefix(line, "--")
	if !ok {
		return nil, false
	}
	rest, ok = strings.CutPrefix(strings.TrimSpace(rest), "+migrate")
	if !ok {
		return nil, false
	}
	return strings.Fields(rest), true
}

// LoadMigrations loads all migrations at the root of fsys, validates them,
// and returns them sorted by version. Files not named NNN_name.sql are
// skipped.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenamePattern.MatchString(entry.Name()) {
			continue
		}
		m, err := ParseMigrationFile(fsys, entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	slices.SortStableFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	if err := validate(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// validate requires versions 1..n without gaps or duplicates and an
// acyclic dependency graph over existing versions.
func validate(migrations []Migration) error {
	for i, m := range migrations {
		if i > 0 && migrations[i-1].Version == m.Version {
			return fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		if m.Version != i+1 {
			return fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	deps := make(map[int][]int, len(migrations))
	for _, m := range migrations {
		deps[m.Version] = m.Dependencies
	}
	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}
	return detectCycle(migrations, deps)
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	done
)

// detectCycle walks the dependency graph depth first and reports the first
// back edge as a path.
func detectCycle(migrations []Migration, deps map[int][]int) error {
	state := make(map[int]visitState, len(migrations))

	var visit func(version int, trail []int) error
	visit = func(version int, trail []int) error {
		state[version] = visiting
		trail = append(trail, version)
		for _, dep := range deps[version] {
			switch state[dep] {
			case visiting:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case unvisited:
				if err := visit(dep, trail); err != nil {
					return err
				}
			}
		}
		state[version] = done
		return nil
	}

	for _, m := range migrations {
		if state[m.Version] == unvisited {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
