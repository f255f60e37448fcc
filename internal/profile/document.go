package profile

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/pubdeploy/internal/environment"
	"github.com/steveyegge/pubdeploy/internal/types"
)

const msbuildNamespace = "http://schemas.microsoft.com/developer/msbuild/2003"

// Element names inside the publish PropertyGroup
const (
	elemPublishMethod   = "WebPublishMethod" // marks the group that describes the publish
	elemServiceURL      = "MSDeployServiceURL"
	elemPublishURL      = "PublishUrl" // FileSystem profiles
	elemSiteName        = "DeployIisAppPath"
	elemSiteURL         = "SiteUrlToLaunchAfterPublish"
	elemLaunchSite      = "LaunchSiteAfterPublish"
	elemUserName        = "UserName"
	elemEnvironment     = "EnvironmentName"
	elemStdoutLog       = "EnableStdoutLog"
	elemLogPath         = "LogPath"
	elemTargetFramework = "TargetFramework"
	elemProjectGUID     = "ProjectGuid"
)

// knownElements are mapped onto PublishProfile fields; everything else in
// the group lands in Extra.
var knownElements = map[string]bool{
	strings.ToLower(elemPublishMethod):   true,
	strings.ToLower(elemServiceURL):      true,
	strings.ToLower(elemPublishURL):      true,
	strings.ToLower(elemSiteName):        true,
	strings.ToLower(elemSiteURL):         true,
	strings.ToLower(elemLaunchSite):      true,
	strings.ToLower(elemUserName):        true,
	strings.ToLower(elemEnvironment):     true,
	strings.ToLower(elemStdoutLog):       true,
	strings.ToLower(elemLogPath):         true,
	strings.ToLower(elemTargetFramework): true,
	strings.ToLower(elemProjectGUID):     true,
}

// document is the .pubxml shape. Anything outside PropertyGroup elements is
// carried through as raw XML so Save does not lose it.
type document struct {
	XMLName xml.Name        `xml:"Project"`
	Attrs   []xml.Attr      `xml:",any,attr"`
	Groups  []propertyGroup `xml:"PropertyGroup"`
	Rest    []rawElement    `xml:",any"`
}

type propertyGroup struct {
	XMLName xml.Name   `xml:"PropertyGroup"`
	Attrs   []xml.Attr `xml:",any,attr"`
	Fields  []field    `xml:",any"`
}

type field struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Value   string     `xml:",chardata"`
}

type rawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

type kv struct {
	name  string
	value string
}

func decodeDocument(data []byte) (*document, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed profile document: %w", err)
	}
	doc.normalize()
	return &doc, nil
}

// normalize drops namespace URIs from element names so they marshal back
// without per-element xmlns attributes; the root keeps its declaration.
func (d *document) normalize() {
	d.XMLName = xml.Name{Local: "Project"}
	d.Attrs = normalizeAttrs(d.Attrs)
	for i := range d.Groups {
		g := &d.Groups[i]
		g.XMLName = xml.Name{Local: "PropertyGroup"}
		g.Attrs = normalizeAttrs(g.Attrs)
		for j := range g.Fields {
			g.Fields[j].XMLName = xml.Name{Local: g.Fields[j].XMLName.Local}
			g.Fields[j].Attrs = normalizeAttrs(g.Fields[j].Attrs)
		}
	}
	for i := range d.Rest {
		d.Rest[i].XMLName = xml.Name{Local: d.Rest[i].XMLName.Local}
		d.Rest[i].Attrs = normalizeAttrs(d.Rest[i].Attrs)
	}
}

func normalizeAttrs(attrs []xml.Attr) []xml.Attr {
	out := attrs[:0]
	for _, a := range attrs {
		switch a.Name.Space {
		case "":
		case "xmlns":
			a.Name = xml.Name{Local: "xmlns:" + a.Name.Local}
		default:
			// namespaced attributes other than declarations are not used by
			// publish profiles
			continue
		}
		out = append(out, a)
	}
	return out
}

// publishGroup selects the group holding WebPublishMethod, else the first.
// Returns -1 when the document has no PropertyGroup at all.
func (d *document) publishGroup() int {
	if len(d.Groups) == 0 {
		return -1
	}
	for i, g := range d.Groups {
		for _, f := range g.Fields {
			if strings.EqualFold(f.XMLName.Local, elemPublishMethod) {
				return i
			}
		}
	}
	return 0
}

func (d *document) encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to encode profile document: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// toProfile projects the selected property group onto a PublishProfile.
// fileName is the document base name without extension.
func (d *document) toProfile(fileName, path string) *types.PublishProfile {
	p := &types.PublishProfile{FileName: fileName, Path: path}

	idx := d.publishGroup()
	values := map[string]string{}
	if idx >= 0 {
		for _, f := range d.Groups[idx].Fields {
			name := f.XMLName.Local
			lower := strings.ToLower(name)
			if knownElements[lower] {
				values[lower] = strings.TrimSpace(f.Value)
				continue
			}
			if p.Extra == nil {
				p.Extra = map[string]string{}
			}
			p.Extra[name] = f.Value
		}
	}
	get := func(name string) string { return values[strings.ToLower(name)] }

	p.PublishMethod = get(elemPublishMethod)
	p.PublishURL = get(elemServiceURL)
	if p.PublishURL == "" {
		p.PublishURL = get(elemPublishURL)
	}
	p.SiteName = get(elemSiteName)
	p.SiteURL = get(elemSiteURL)
	p.UserName = get(elemUserName)
	p.LogPath = get(elemLogPath)
	p.TargetFramework = get(elemTargetFramework)
	p.ProjectGUID = get(elemProjectGUID)
	p.OpenBrowserOnDeploy = parseTriState(values, elemLaunchSite)
	p.EnableStdoutLog = parseTriState(values, elemStdoutLog)
	p.Environment = environment.Resolve(get(elemEnvironment), fileName)

	return p
}

// parseTriState maps an optional boolean element: absent or unparseable is
// nil, "true"/"false" in any case are the matching value.
func parseTriState(values map[string]string, name string) *bool {
	v, ok := values[strings.ToLower(name)]
	if !ok {
		return nil
	}
	switch {
	case strings.EqualFold(v, "true"):
		return types.BoolPtr(true)
	case strings.EqualFold(v, "false"):
		return types.BoolPtr(false)
	}
	return nil
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// profileFields lists the elements a profile serializes to, known fields in
// a fixed order followed by Extra sorted by name.
func profileFields(p *types.PublishProfile) []kv {
	var out []kv
	add := func(name, value string) {
		if value != "" {
			out = append(out, kv{name, value})
		}
	}

	add(elemPublishMethod, p.PublishMethod)
	if p.PublishMethod == types.PublishMethodFileSystem {
		add(elemPublishURL, p.PublishURL)
	} else {
		add(elemServiceURL, p.PublishURL)
	}
	add(elemSiteName, p.SiteName)
	add(elemSiteURL, p.SiteURL)
	if p.OpenBrowserOnDeploy != nil {
		add(elemLaunchSite, formatBool(*p.OpenBrowserOnDeploy))
	}
	add(elemUserName, p.UserName)
	add(elemProjectGUID, p.ProjectGUID)
	add(elemTargetFramework, p.TargetFramework)
	if p.Environment != types.EnvUnknown {
		add(elemEnvironment, string(p.Environment))
	}
	if p.EnableStdoutLog != nil {
		add(elemStdoutLog, formatBool(*p.EnableStdoutLog))
	}
	add(elemLogPath, p.LogPath)

	extraNames := make([]string, 0, len(p.Extra))
	for name := range p.Extra {
		if knownElements[strings.ToLower(name)] {
			continue
		}
		extraNames = append(extraNames, name)
	}
	sort.Strings(extraNames)
	for _, name := range extraNames {
		out = append(out, kv{name, p.Extra[name]})
	}
	return out
}

// mergeFields rewrites a group's fields to desired while keeping the
// position and attributes of elements that survive.
func mergeFields(existing []field, desired []kv) []field {
	want := make(map[string]kv, len(desired))
	for _, d := range desired {
		want[strings.ToLower(d.name)] = d
	}

	placed := map[string]bool{}
	out := make([]field, 0, len(desired))
	for _, f := range existing {
		key := strings.ToLower(f.XMLName.Local)
		d, ok := want[key]
		if !ok || placed[key] {
			continue
		}
		f.Value = d.value
		out = append(out, f)
		placed[key] = true
	}
	for _, d := range desired {
		key := strings.ToLower(d.name)
		if placed[key] {
			continue
		}
		out = append(out, field{XMLName: xml.Name{Local: d.name}, Value: d.value})
		placed[key] = true
	}
	return out
}

// newDocument builds a fresh single-group document
func newDocument(fields []kv) *document {
	doc := &document{
		XMLName: xml.Name{Local: "Project"},
		Attrs: []xml.Attr{
			{Name: xml.Name{Local: "ToolsVersion"}, Value: "4.0"},
			{Name: xml.Name{Local: "xmlns"}, Value: msbuildNamespace},
		},
	}
	doc.Groups = []propertyGroup{{
		XMLName: xml.Name{Local: "PropertyGroup"},
		Fields:  mergeFields(nil, fields),
	}}
	return doc
}
