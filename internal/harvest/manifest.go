package harvest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cyclonedx "github.com/CycloneDX/cyclonedx-go"
	packageurl "github.com/package-url/packageurl-go"
)

// Discover returns every file named fileName below dir, sorted.
func Discover(dir, fileName string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == fileName {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Parsed is a decoded manifest together with its source bytes.
type Parsed struct {
	Path string
	Raw  []byte
	BOM  *cyclonedx.BOM
}

// Parse reads and decodes a CycloneDX JSON document.
func Parse(path string) (Parsed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("read %s: %w", path, err)
	}
	bom := new(cyclonedx.BOM)
	if err := cyclonedx.NewBOMDecoder(bytes.NewReader(raw), cyclonedx.BOMFileFormatJSON).Decode(bom); err != nil {
		return Parsed{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return Parsed{Path: path, Raw: raw, BOM: bom}, nil
}

// Validate checks the structural requirements of a stored manifest: a
// CycloneDX document whose main component carries a valid package URL, and
// whose listed components carry valid package URLs where present.
func Validate(bom *cyclonedx.BOM) error {
	var errs []string

	if bom.BOMFormat != cyclonedx.BOMFormat {
		errs = append(errs, fmt.Sprintf("bomFormat is %q, want %q", bom.BOMFormat, cyclonedx.BOMFormat))
	}
	if bom.Metadata == nil || bom.Metadata.Component == nil {
		errs = append(errs, "metadata.component is missing")
	} else if err := validatePurl(bom.Metadata.Component.PackageURL); err != nil {
		errs = append(errs, "metadata.component: "+err.Error())
	}

	if bom.Components != nil {
		for i, c := range *bom.Components {
			if c.PackageURL == "" {
				continue
			}
			if err := validatePurl(c.PackageURL); err != nil {
				errs = append(errs, fmt.Sprintf("components[%d] %s: %s", i, c.Name, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// RootPurl returns the package URL of the manifest's main component.
func RootPurl(bom *cyclonedx.BOM) string {
	if bom.Metadata == nil || bom.Metadata.Component == nil {
		return ""
	}
	return bom.Metadata.Component.PackageURL
}

func validatePurl(purl string) error {
	if purl == "" {
		return errors.New("purl is missing")
	}
	if _, err := packageurl.FromString(purl); err != nil {
		return fmt.Errorf("invalid purl %q: %w", purl, err)
	}
	return nil
}
