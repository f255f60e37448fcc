package history

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/pubdeploy/internal/types"
)

// Extension is the sidecar suffix; the sidecar shares its profile's base name
const Extension = ".pubhistory"

// SidecarPath derives the history file for a profile document
func SidecarPath(profilePath string) string {
	return strings.TrimSuffix(profilePath, filepath.Ext(profilePath)) + Extension
}

type sidecar struct {
	XMLName xml.Name      `xml:"DeploymentHistory"`
	Records []sidecarItem `xml:"Deployment"`
}

type sidecarItem struct {
	ID           string `xml:"id,attr"`
	Status       string `xml:"status,attr"`
	ProfileName  string `xml:"ProfileName"`
	ProjectName  string `xml:"ProjectName"`
	Environment  string `xml:"Environment"`
	StartTime    string `xml:"StartTime"`
	EndTime      string `xml:"EndTime,omitempty"`
	DurationMs   string `xml:"DurationMs,omitempty"`
	ErrorMessage string `xml:"ErrorMessage,omitempty"`
}

// errMalformed marks a sidecar whose XML cannot be parsed at all
var errMalformed = errors.New("malformed history sidecar")

// contents is a decoded sidecar. Entries that fail validation are kept
// verbatim in invalid so a rewrite does not lose them.
type contents struct {
	records []types.DeploymentRecord
	invalid []invalidItem
}

type invalidItem struct {
	item sidecarItem
	err  error
}

func decodeSidecar(data []byte, profilePath string) (contents, error) {
	var doc sidecar
	if err := xml.Unmarshal(data, &doc); err != nil {
		return contents{}, fmt.Errorf("%w: %w", errMalformed, err)
	}

	c := contents{records: make([]types.DeploymentRecord, 0, len(doc.Records))}
	for _, item := range doc.Records {
		rec, err := item.record()
		if err != nil {
			c.invalid = append(c.invalid, invalidItem{item: item, err: fmt.Errorf("record %s: %w", item.ID, err)})
			continue
		}
		rec.ProfilePath = profilePath
		c.records = append(c.records, rec)
	}
	return c, nil
}

// encodeSidecar writes records followed by any preserved invalid entries
func encodeSidecar(records []types.DeploymentRecord, invalid []invalidItem) ([]byte, error) {
	doc := sidecar{Records: make([]sidecarItem, 0, len(records)+len(invalid))}
	for _, rec := range records {
		doc.Records = append(doc.Records, newSidecarItem(rec))
	}
	for _, bad := range invalid {
		doc.Records = append(doc.Records, bad.item)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func newSidecarItem(rec types.DeploymentRecord) sidecarItem {
	item := sidecarItem{
		ID:           rec.ID,
		Status:       string(rec.Status),
		ProfileName:  rec.ProfileName,
		ProjectName:  rec.ProjectName,
		Environment:  rec.Environment,
		StartTime:    rec.StartTime.UTC().Format(time.RFC3339Nano),
		ErrorMessage: rec.ErrorMessage,
	}
	if rec.EndTime != nil {
		item.EndTime = rec.EndTime.UTC().Format(time.RFC3339Nano)
	}
	if rec.Duration != nil {
		item.DurationMs = strconv.FormatInt(rec.Duration.Milliseconds(), 10)
	}
	return item
}

func (item sidecarItem) record() (types.DeploymentRecord, error) {
	rec := types.DeploymentRecord{
		ID:           item.ID,
		Status:       types.DeploymentStatus(item.Status),
		ProfileName:  item.ProfileName,
		ProjectName:  item.ProjectName,
		Environment:  item.Environment,
		ErrorMessage: item.ErrorMessage,
	}
	if !rec.Status.IsValid() {
		return rec, fmt.Errorf("invalid status %q", item.Status)
	}

	start, err := time.Parse(time.RFC3339Nano, item.StartTime)
	if err != nil {
		return rec, fmt.Errorf("invalid start time: %w", err)
	}
	rec.StartTime = start

	if item.EndTime != "" {
		end, err := time.Parse(time.RFC3339Nano, item.EndTime)
		if err != nil {
			return rec, fmt.Errorf("invalid end time: %w", err)
		}
		rec.EndTime = &end
	}
	if item.DurationMs != "" {
		ms, err := strconv.ParseInt(item.DurationMs, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("invalid duration: %w", err)
		}
		d := time.Duration(ms) * time.Millisecond
		rec.Duration = &d
	}
	return rec, nil
}
