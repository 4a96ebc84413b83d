package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// HTTP API paths served by the device.
const (
	PathStatus    = "/api/status"
	PathThreshold = "/api/threshold"
	PathRecord    = "/api/record"
	PathFiles     = "/api/files"
	PathDownload  = "/api/download"
	PathLevel     = "/api/level"
)

// Document identifies which HTTP endpoint a JSON body came from.
type Document int

const (
	DocStatus Document = iota
	DocThreshold
	DocLevel
	DocFiles
)

func (d Document) String() string {
	switch d {
	case DocStatus:
		return "status"
	case DocThreshold:
		return "threshold"
	case DocLevel:
		return "level"
	case DocFiles:
		return "files"
	default:
		return "unknown"
	}
}

// Flag decodes the firmware's boolean fields, which are sent either as JSON
// booleans or as 0/1 integers depending on the build.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid flag value %s", b)
		}
		*f = n != 0
	}
	return nil
}

// StatusDocument is the body of GET /api/status. The record endpoint answers
// with the same shape once a recording finishes.
type StatusDocument struct {
	Threshold        *int     `json:"threshold"`
	CurrentDirNumber *int     `json:"current_dir_number"`
	CurrentRecNumber *int     `json:"current_rec_number"`
	NewRecFlag       *Flag    `json:"new_rec_flag"`
	USBConnected     *Flag    `json:"usb_connected"`
	SDTotalMB        *float64 `json:"sd_total_mb"`
	SDUsedMB         *float64 `json:"sd_used_mb"`
	SDFreeMB         *float64 `json:"sd_free_mb"`
}

type thresholdDocument struct {
	Threshold *int `json:"threshold"`
}

type levelDocument struct {
	Level *int `json:"level"`
}

// FileDocument is one element of the GET /api/files array.
type FileDocument struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

const flagSchema = `{"type": ["boolean", "integer", "string"]}`

var schemas = map[Document]string{
	DocStatus: `{
		"type": "object",
		"properties": {
			"threshold": {"type": "integer", "minimum": 0, "maximum": 4095},
			"current_dir_number": {"type": "integer", "minimum": 0},
			"current_rec_number": {"type": "integer", "minimum": 0},
			"new_rec_flag": ` + flagSchema + `,
			"usb_connected": ` + flagSchema + `,
			"sd_total_mb": {"type": "number"},
			"sd_used_mb": {"type": "number"},
			"sd_free_mb": {"type": "number"}
		}
	}`,
	DocThreshold: `{
		"type": "object",
		"required": ["threshold"],
		"properties": {"threshold": {"type": "integer", "minimum": 0, "maximum": 4095}}
	}`,
	DocLevel: `{
		"type": "object",
		"required": ["level"],
		"properties": {"level": {"type": "integer", "minimum": 0, "maximum": 4095}}
	}`,
	DocFiles: `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["path", "size"],
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"size": {"type": "integer", "minimum": 0}
			}
		}
	}`,
}

var compiled = func() map[Document]*gojsonschema.Schema {
	out := make(map[Document]*gojsonschema.Schema, len(schemas))
	for doc, src := range schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("protocol: invalid %s schema: %v", doc, err))
		}
		out[doc] = schema
	}
	return out
}()

// Validate checks body against the schema of doc. It returns "" when the body
// conforms, otherwise a description of every violation.
func Validate(doc Document, body []byte) string {
	schema, ok := compiled[doc]
	if !ok {
		return ""
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Sprintf("invalid %s document: %v", doc, err)
	}
	if result.Valid() {
		return ""
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Sprintf("%s document: %s", doc, strings.Join(details, "; "))
}

// ClassifyDocument decodes a status, threshold or level body into a frame.
// Like Classify it never fails: bodies that are not JSON become RawLog and
// schema violations are reported through Malformed.
func ClassifyDocument(doc Document, body []byte) Frame {
	defect := Validate(doc, body)

	switch doc {
	case DocStatus:
		var sd StatusDocument
		if err := json.Unmarshal(body, &sd); err != nil {
			return RawLog{Text: string(body), note: malformed(fmt.Sprintf("status document: %v", err))}
		}
		return sd.Frame(defect)

	case DocThreshold:
		var td thresholdDocument
		if err := json.Unmarshal(body, &td); err != nil {
			return RawLog{Text: string(body), note: malformed(fmt.Sprintf("threshold document: %v", err))}
		}
		if td.Threshold == nil {
			zero := 0
			td.Threshold = &zero
		}
		return StatusUpdate{Threshold: td.Threshold, note: malformed(defect)}

	case DocLevel:
		var ld levelDocument
		if err := json.Unmarshal(body, &ld); err != nil {
			return RawLog{Text: string(body), note: malformed(fmt.Sprintf("level document: %v", err))}
		}
		value := 0
		if ld.Level != nil {
			value = min(max(*ld.Level, 0), MaxLevel)
		}
		return LevelSample{Value: value, note: malformed(defect)}
	}

	return RawLog{Text: string(body), note: malformed(fmt.Sprintf("unsupported document %s", doc))}
}

// Frame converts the document into a StatusUpdate carrying defect as its
// malformed note.
func (sd StatusDocument) Frame(defect string) StatusUpdate {
	su := StatusUpdate{
		Threshold: sd.Threshold,
		DirNumber: sd.CurrentDirNumber,
		RecNumber: sd.CurrentRecNumber,
		SDTotalMB: sd.SDTotalMB,
		SDUsedMB:  sd.SDUsedMB,
		SDFreeMB:  sd.SDFreeMB,
		note:      malformed(defect),
	}
	if sd.NewRecFlag != nil {
		v := bool(*sd.NewRecFlag)
		su.NewRecordingFlag = &v
	}
	if sd.USBConnected != nil {
		v := bool(*sd.USBConnected)
		su.USBConnected = &v
	}
	return su
}

// DecodeFileList decodes the GET /api/files body. Entries are returned in the
// order the device listed them. The string is the malformed note, "" when the
// body was clean.
func DecodeFileList(body []byte) ([]FileListEntry, string) {
	defect := Validate(DocFiles, body)

	var docs []FileDocument
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Sprintf("files document: %v", err)
	}
	entries := make([]FileListEntry, 0, len(docs))
	for _, d := range docs {
		if d.Path == "" {
			continue
		}
		entries = append(entries, FileListEntry{Path: d.Path, SizeBytes: max(d.Size, 0)})
	}
	return entries, defect
}
