package repodb

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ralt/syzygia/internal/models"
)

// Fields that may appear in desc entries but carry nothing the core needs.
var ignoredFields = map[string]bool{
	"BASE":         true,
	"MAKEDEPENDS":  true,
	"CHECKDEPENDS": true,
	"INSTALLDATE":  true,
	"REASON":       true,
	"VALIDATION":   true,
	"XDATA":        true,
}

var singleValueFields = map[string]bool{
	"FILENAME": true, "NAME": true, "VERSION": true, "DESC": true,
	"CSIZE": true, "ISIZE": true, "SIZE": true, "MD5SUM": true,
	"SHA256SUM": true, "SHA512SUM": true, "B3SUM": true, "PGPSIG": true,
	"URL": true, "ARCH": true, "BUILDDATE": true, "PACKAGER": true, "REPO": true,
}

// MarshalDesc creates the desc file content for a package
func MarshalDesc(pkg *models.Package) []byte {
	var buf bytes.Buffer

	// Write a field to the buffer
	writeField := func(name, value string) {
		if value != "" {
			buf.WriteString(fmt.Sprintf("%%%s%%\n%s\n\n", name, value))
		}
	}
	writeList := func(name string, values []string) {
		if len(values) == 0 {
			return
		}
		buf.WriteString(fmt.Sprintf("%%%s%%\n", name))
		for _, v := range values {
			buf.WriteString(v)
			buf.WriteString("\n")
		}
		buf.WriteString("\n")
	}
	writeDeps := func(name string, deps []models.Dependency) {
		values := make([]string, 0, len(deps))
		for _, d := range deps {
			values = append(values, d.String())
		}
		writeList(name, values)
	}

	// Required fields
	writeField("FILENAME", pkg.Filename)
	writeField("NAME", pkg.Name)
	writeField("VERSION", pkg.Version)
	writeField("DESC", pkg.Description)
	writeList("GROUPS", pkg.Groups)

	// File sizes
	if pkg.Size > 0 {
		writeField("CSIZE", strconv.FormatInt(pkg.Size, 10))
	}
	if pkg.InstalledSize > 0 {
		writeField("ISIZE", strconv.FormatInt(pkg.InstalledSize, 10))
	}

	// Checksums
	switch pkg.Checksum.Algorithm {
	case models.HashMD5:
		writeField("MD5SUM", pkg.Checksum.Value)
	case models.HashSHA256:
		writeField("SHA256SUM", pkg.Checksum.Value)
	case models.HashSHA512:
		writeField("SHA512SUM", pkg.Checksum.Value)
	case models.HashBLAKE3:
		writeField("B3SUM", pkg.Checksum.Value)
	}
	if len(pkg.Signature) > 0 {
		writeField("PGPSIG", base64.StdEncoding.EncodeToString(pkg.Signature))
	}

	writeField("URL", pkg.URL)
	writeList("LICENSE", pkg.License)
	writeField("ARCH", string(pkg.Architecture))
	if pkg.BuildDate > 0 {
		writeField("BUILDDATE", strconv.FormatInt(pkg.BuildDate, 10))
	}
	writeField("PACKAGER", pkg.Packager)
	writeField("REPO", pkg.OriginRepo)

	// Relations
	writeDeps("REPLACES", pkg.Replaces)
	writeDeps("CONFLICTS", pkg.Conflicts)
	writeDeps("PROVIDES", pkg.Provides)
	writeDeps("DEPENDS", pkg.Depends)
	writeList("OPTDEPENDS", pkg.OptDepends)

	return buf.Bytes()
}

// UnmarshalDesc parses desc content into a validated package. Unknown
// fields, stray lines and malformed values are errors.
func UnmarshalDesc(data []byte) (*models.Package, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, err
	}

	pkg := &models.Package{}
	name := first(fields["NAME"])

	fail := func(field string, err error) (*models.Package, error) {
		return nil, &models.PackageError{Package: name, Field: strings.ToLower(field), Err: err}
	}

	for field, values := range fields {
		if ignoredFields[field] {
			continue
		}
		if singleValueFields[field] && len(values) > 1 {
			return fail(field, fmt.Errorf("expected a single value, got %d", len(values)))
		}

		switch field {
		case "FILENAME":
			pkg.Filename = values[0]
		case "NAME":
			pkg.Name = values[0]
		case "VERSION":
			pkg.Version = values[0]
		case "DESC":
			pkg.Description = values[0]
		case "GROUPS":
			pkg.Groups = values
		case "CSIZE":
			n, err := strconv.ParseInt(values[0], 10, 64)
			if err != nil {
				return fail(field, err)
			}
			pkg.Size = n
		case "ISIZE", "SIZE":
			n, err := strconv.ParseInt(values[0], 10, 64)
			if err != nil {
				return fail(field, err)
			}
			pkg.InstalledSize = n
		case "MD5SUM", "SHA256SUM", "SHA512SUM", "B3SUM":
			// handled below so the strongest digest wins
		case "PGPSIG":
			sig, err := base64.StdEncoding.DecodeString(values[0])
			if err != nil {
				return fail(field, err)
			}
			pkg.Signature = sig
		case "URL":
			pkg.URL = values[0]
		case "LICENSE":
			pkg.License = values
		case "ARCH":
			pkg.Architecture = models.Architecture(values[0])
		case "BUILDDATE":
			n, err := strconv.ParseInt(values[0], 10, 64)
			if err != nil {
				return fail(field, err)
			}
			pkg.BuildDate = n
		case "PACKAGER":
			pkg.Packager = values[0]
		case "REPO":
			pkg.OriginRepo = values[0]
		case "REPLACES", "CONFLICTS", "PROVIDES", "DEPENDS":
			deps, err := parseDeps(values)
			if err != nil {
				return fail(field, err)
			}
			switch field {
			case "REPLACES":
				pkg.Replaces = deps
			case "CONFLICTS":
				pkg.Conflicts = deps
			case "PROVIDES":
				pkg.Provides = deps
			case "DEPENDS":
				pkg.Depends = deps
			}
		case "OPTDEPENDS":
			pkg.OptDepends = values
		default:
			return fail(field, fmt.Errorf("unknown field %%%s%%", field))
		}
	}

	for _, c := range []struct {
		field string
		alg   models.HashAlgorithm
	}{
		{"B3SUM", models.HashBLAKE3},
		{"SHA512SUM", models.HashSHA512},
		{"SHA256SUM", models.HashSHA256},
		{"MD5SUM", models.HashMD5},
	} {
		if v, ok := fields[c.field]; ok {
			pkg.Checksum = models.Digest{Algorithm: c.alg, Value: strings.ToLower(v[0])}
			break
		}
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// MarshalFiles creates the files entry listing installed paths
func MarshalFiles(files []string) []byte {
	if len(files) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString("%FILES%\n")
	for _, f := range files {
		buf.WriteString(f)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// UnmarshalFiles parses a files entry
func UnmarshalFiles(data []byte) ([]string, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, err
	}
	for field := range fields {
		if field != "FILES" && field != "BACKUP" {
			return nil, fmt.Errorf("unknown field %%%s%% in files entry", field)
		}
	}
	return fields["FILES"], nil
}

// parseFields splits %FIELD% blocks into their value lines
func parseFields(data []byte) (map[string][]string, error) {
	fields := make(map[string][]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var currentField string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")

		// Field marker: %FIELDNAME%
		if len(line) > 2 && strings.HasPrefix(line, "%") && strings.HasSuffix(line, "%") {
			currentField = strings.Trim(line, "%")
			if _, dup := fields[currentField]; dup {
				return nil, fmt.Errorf("line %d: duplicate field %%%s%%", lineNo, currentField)
			}
			fields[currentField] = nil
			continue
		}

		// Empty line
		if line == "" {
			currentField = ""
			continue
		}

		if currentField == "" {
			return nil, fmt.Errorf("line %d: value %q outside of a field", lineNo, line)
		}
		fields[currentField] = append(fields[currentField], line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for field, values := range fields {
		if len(values) == 0 {
			return nil, fmt.Errorf("field %%%s%% has no value", field)
		}
	}
	return fields, nil
}

func parseDeps(values []string) ([]models.Dependency, error) {
	deps := make([]models.Dependency, 0, len(values))
	for _, v := range values {
		dep, err := models.ParseDependency(v)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
