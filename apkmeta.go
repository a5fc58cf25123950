// Package apkmeta extracts structured metadata from Android application
// packages: the binary-XML manifest, the compiled resource table and the
// three generations of signing schemes.
package apkmeta

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
)

const maxEntrySize = 256 * 1024 * 1024

// Apk is the facade over one opened package. All decoded structures are
// built once per open and never mutated afterwards.
type Apk struct {
	zip       *ZipReader
	resources *ResourceTable
	manifest  *XmlElement
	signing   *SigningResult

	resourcesErr error
}

// OpenApk opens and fully decodes a package from disk. The manifest is
// required; a missing or broken resource table only degrades attribute
// resolution to raw numeric fallbacks (its error is available through
// ResourcesError).
func OpenApk(path string) (*Apk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenApkBytes(data)
}

// OpenApkBytes decodes a package already held in memory. The buffer is
// borrowed and must stay immutable.
func OpenApkBytes(data []byte) (*Apk, error) {
	zip, err := OpenZipBytes(data)
	if err != nil {
		return nil, err
	}

	a := &Apk{zip: zip}

	// The three decodes are independent pure functions over the same
	// immutable buffer, run them concurrently and join.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.resources, a.resourcesErr = decodeResources(zip)
	}()
	go func() {
		defer wg.Done()
		a.signing = VerifySigning(zip)
	}()

	manifest, manifestErr := decodeManifest(zip)
	wg.Wait()

	if manifestErr != nil {
		return nil, manifestErr
	}
	a.manifest = manifest
	return a, nil
}

func decodeResources(zip *ZipReader) (res *ResourceTable, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	resourcesFile := zip.File["resources.arsc"]
	if resourcesFile == nil {
		return nil, os.ErrNotExist
	}

	if err := resourcesFile.Open(); err != nil {
		return nil, fmt.Errorf("failed to open resources.arsc: %w", err)
	}
	defer resourcesFile.Close()

	var lastErr error
	for resourcesFile.Next() {
		if res, lastErr = ParseResourceTable(resourcesFile); lastErr == nil {
			return res, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no readable resources.arsc entry")
	}
	return nil, lastErr
}

func decodeManifest(zip *ZipReader) (*XmlElement, error) {
	manifest := zip.File["AndroidManifest.xml"]
	if manifest == nil {
		return nil, fmt.Errorf("failed to find AndroidManifest.xml")
	}

	if err := manifest.Open(); err != nil {
		return nil, err
	}
	defer manifest.Close()

	var lastErr error
	for manifest.Next() {
		root, err := DecodeXml(manifest)
		if err == nil {
			return root, nil
		}
		lastErr = err
	}

	if lastErr == ErrPlainTextManifest {
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed to parse manifest, last error: %v", lastErr)
}

// Close releases the underlying archive.
func (a *Apk) Close() error { return a.zip.Close() }

// Manifest returns the decoded manifest tree.
func (a *Apk) Manifest() *XmlElement { return a.manifest }

// Resources returns the decoded resource table, nil when the package has
// none or it failed to decode.
func (a *Apk) Resources() *ResourceTable { return a.resources }

// ResourcesError reports why the resource table is missing, nil when it
// decoded fine.
func (a *Apk) ResourcesError() error { return a.resourcesErr }

// Signing returns the three per-scheme verification results.
func (a *Apk) Signing() *SigningResult { return a.signing }

// ManifestXml renders the manifest to indented XML text with resource
// references resolved.
func (a *Apk) ManifestXml() (string, error) {
	return a.manifest.XmlString(a.resources)
}

func (a *Apk) manifestAttr(name string) string {
	if attr := a.manifest.Attr(name); attr != nil {
		return attr.StringValue(a.resources)
	}
	return ""
}

// PackageName returns the declared package identifier.
func (a *Apk) PackageName() string { return a.manifestAttr("package") }

// VersionName returns the human-readable version, resolved through
// resources when declared as a reference.
func (a *Apk) VersionName() string { return a.manifestAttr("versionName") }

// VersionCode returns the numeric version, 0 when absent or unparsable.
func (a *Apk) VersionCode() int64 {
	v, _ := strconv.ParseInt(a.manifestAttr("versionCode"), 0, 64)
	return v
}

func (a *Apk) sdkVersion(attr string) int {
	for _, el := range a.manifest.Elements("uses-sdk") {
		if at := el.Attr(attr); at != nil {
			v, _ := strconv.Atoi(at.StringValue(a.resources))
			return v
		}
	}
	return 0
}

// MinSdkVersion returns uses-sdk minSdkVersion, 0 when absent.
func (a *Apk) MinSdkVersion() int { return a.sdkVersion("minSdkVersion") }

// TargetSdkVersion returns uses-sdk targetSdkVersion, 0 when absent.
func (a *Apk) TargetSdkVersion() int { return a.sdkVersion("targetSdkVersion") }

func (a *Apk) application() *XmlElement {
	apps := a.manifest.Elements("application")
	if len(apps) == 0 {
		return nil
	}
	return apps[0]
}

// Label returns the application label, resolved through resources.
func (a *Apk) Label() string {
	app := a.application()
	if app == nil {
		return ""
	}
	if attr := app.Attr("label"); attr != nil {
		return attr.StringValue(a.resources)
	}
	return ""
}

// Permissions lists the requested permission names in declaration order.
func (a *Apk) Permissions() []string {
	var out []string
	for _, el := range a.manifest.Elements("uses-permission") {
		if attr := el.Attr("name"); attr != nil {
			out = append(out, attr.StringValue(a.resources))
		}
	}
	return out
}

func (a *Apk) componentNames(kind string) []string {
	app := a.application()
	if app == nil {
		return nil
	}
	var out []string
	for _, el := range app.Elements(kind) {
		if attr := el.Attr("name"); attr != nil {
			out = append(out, expandClassName(a.PackageName(), attr.StringValue(a.resources)))
		}
	}
	return out
}

// Activities lists declared activity class names, shorthand expanded.
func (a *Apk) Activities() []string { return a.componentNames("activity") }

// Services lists declared service class names.
func (a *Apk) Services() []string { return a.componentNames("service") }

// Receivers lists declared broadcast receiver class names.
func (a *Apk) Receivers() []string { return a.componentNames("receiver") }

// Providers lists declared content provider class names.
func (a *Apk) Providers() []string { return a.componentNames("provider") }

// MainActivity returns the launcher activity's class name, "" when the
// package declares none.
func (a *Apk) MainActivity() string {
	app := a.application()
	if app == nil {
		return ""
	}
	for _, kind := range []string{"activity", "activity-alias"} {
		for _, act := range app.Elements(kind) {
			if !hasLauncherIntent(act) {
				continue
			}
			if attr := act.Attr("name"); attr != nil {
				return expandClassName(a.PackageName(), attr.StringValue(a.resources))
			}
		}
	}
	return ""
}

func hasLauncherIntent(act *XmlElement) bool {
	for _, filter := range act.Elements("intent-filter") {
		main, launcher := false, false
		for _, action := range filter.Elements("action") {
			if attr := action.Attr("name"); attr != nil && attr.StringValue(nil) == "android.intent.action.MAIN" {
				main = true
			}
		}
		for _, cat := range filter.Elements("category") {
			if attr := cat.Attr("name"); attr != nil && attr.StringValue(nil) == "android.intent.category.LAUNCHER" {
				launcher = true
			}
		}
		if main && launcher {
			return true
		}
	}
	return false
}

// expandClassName applies the manifest shorthand rules: leading dot
// prepends the package, a bare name without dots nests under it.
func expandClassName(pkg, name string) string {
	switch {
	case name == "" || pkg == "":
		return name
	case strings.HasPrefix(name, "."):
		return pkg + name
	case !strings.Contains(name, "."):
		return pkg + "." + name
	default:
		return name
	}
}

// Icon returns the bytes of the application icon's best bitmap variant.
func (a *Apk) Icon() ([]byte, error) {
	app := a.application()
	if app == nil {
		return nil, fmt.Errorf("manifest has no application element")
	}

	var iconPath string
	for _, name := range []string{"icon", "roundIcon"} {
		attr := app.Attr(name)
		if attr == nil {
			continue
		}
		if attr.Value.IsReference() && a.resources != nil {
			e, err := a.resources.GetIconPng(attr.Value.Data)
			if err != nil {
				continue
			}
			if s, err := e.String(); err == nil {
				iconPath = s
				break
			}
		} else if s := attr.StringValue(a.resources); s != "" && !strings.HasPrefix(s, "@") {
			iconPath = s
			break
		}
	}
	if iconPath == "" {
		return nil, fmt.Errorf("no resolvable icon: %w", ErrResourceNotFound)
	}

	zf := a.zip.File[iconPath]
	if zf == nil {
		return nil, fmt.Errorf("icon %q not in archive: %w", iconPath, ErrResourceNotFound)
	}
	return zf.ReadAll(maxEntrySize)
}

// ParseApk parses the APK's manifest into encoder, resolving references to
// resource values. zipErr != nil means the archive couldn't be opened. The
// manifest is parsed even when resourcesErr != nil, just without reference
// resolving.
func ParseApk(path string, encoder ManifestEncoder) (zipErr, resourcesErr, manifestErr error) {
	zip, zipErr := OpenZip(path)
	if zipErr != nil {
		return
	}
	defer zip.Close()

	resourcesErr, manifestErr = ParseApkWithZip(zip, encoder)
	return
}

// ParseApkWithZip is ParseApk over an archive already opened with OpenZip.
// It does not Close the zip.
func ParseApkWithZip(zip *ZipReader, encoder ManifestEncoder) (resourcesErr, manifestErr error) {
	resources, resourcesErr := decodeResources(zip)

	root, manifestErr := decodeManifest(zip)
	if manifestErr != nil {
		return
	}
	if manifestErr = root.EncodeTokens(encoder, resources); manifestErr != nil {
		return
	}
	manifestErr = encoder.Flush()
	return
}
