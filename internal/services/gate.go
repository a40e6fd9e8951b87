package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Object path layout.
const (
	IncomingPrefix  = "incoming/"
	ProcessedPrefix = "processed/"
	BatchSegment    = "batch"
	MasterSegment   = "master"
)

var placeholderMarkers = []string{".placeholder", ".keep", ".gitkeep"}

// GCSEvent is the payload of a Cloud Storage object notification.
type GCSEvent struct {
	Bucket     string     `json:"bucket"`
	Name       string     `json:"name"`
	Generation Generation `json:"generation,omitempty"`
}

// Generation accepts the object generation as a JSON number or string.
type Generation int64

func (g *Generation) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*g = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid generation %q: %w", s, err)
	}
	*g = Generation(n)
	return nil
}

type eventEnvelope struct {
	GCSEvent
	Data         *GCSEvent `json:"data"`
	ProtoPayload *struct {
		ResourceName string `json:"resourceName"`
	} `json:"protoPayload"`
}

// ErrNotStorageEvent is returned when a payload carries no object name.
var ErrNotStorageEvent = errors.New("payload is not a storage event")

// ParseEvent reads a notification that is either the object resource itself,
// the object wrapped under "data", or an audit-log entry whose
// protoPayload.resourceName is "projects/_/buckets/{bucket}/objects/{name}".
func ParseEvent(body []byte) (GCSEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return GCSEvent{}, ErrNotStorageEvent
	}
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return GCSEvent{}, fmt.Errorf("%w: %v", ErrNotStorageEvent, err)
	}

	switch {
	case env.Data != nil && env.Data.Name != "":
		return *env.Data, nil
	case env.Name != "":
		return env.GCSEvent, nil
	case env.ProtoPayload != nil:
		if ev, ok := parseResourceName(env.ProtoPayload.ResourceName); ok {
			return ev, nil
		}
	}
	return GCSEvent{}, ErrNotStorageEvent
}

func parseResourceName(resource string) (GCSEvent, bool) {
	head, name, ok := strings.Cut(resource, "/objects/")
	if !ok || name == "" {
		return GCSEvent{}, false
	}
	_, bucket, _ := strings.Cut(head, "/buckets/")
	return GCSEvent{Bucket: bucket, Name: name}, true
}

// Dispatch is a document the gate routes to the ingestor.
type Dispatch struct {
	Bucket     string
	ObjectPath string
	TenantID   string
	FolderID   string
	FileName   string
	Generation int64
}

// Action is the gate's routing decision.
type Action struct {
	Dispatch bool
	Reason   string
	Job      Dispatch
}

// Gate filters storage notifications down to new batch PDF uploads. Accept is
// a pure function of the event, so redelivered events get the same answer.
type Gate struct {
	// DefaultBucket is used when an event names no bucket.
	DefaultBucket string
}

// Accept decides whether the event is routed.
func (g Gate) Accept(e GCSEvent) Action {
	name := e.Name
	switch {
	case name == "":
		return ignore("missing object name")
	case strings.HasSuffix(name, "/"):
		return ignore("folder marker")
	case hasPlaceholder(name):
		return ignore("placeholder object")
	case !strings.EqualFold(path.Ext(name), ".pdf"):
		return ignore("not a pdf")
	case strings.Contains(name, ProcessedPrefix):
		return ignore("already processed")
	}

	segments := strings.Split(name, "/")
	if len(segments) != 5 || segments[0]+"/" != IncomingPrefix {
		return ignore("unexpected path shape")
	}
	if segments[3] != BatchSegment {
		return ignore("not a batch document")
	}
	tenantID, folderID, fileName := segments[1], segments[2], segments[4]
	if tenantID == "" || folderID == "" || fileName == "" {
		return ignore("unexpected path shape")
	}

	bucket := e.Bucket
	if bucket == "" {
		bucket = g.DefaultBucket
	}
	if bucket == "" {
		return ignore("missing bucket")
	}

	return Action{
		Dispatch: true,
		Job: Dispatch{
			Bucket:     bucket,
			ObjectPath: name,
			TenantID:   tenantID,
			FolderID:   folderID,
			FileName:   fileName,
			Generation: int64(e.Generation),
		},
	}
}

func ignore(reason string) Action {
	return Action{Reason: reason}
}

func hasPlaceholder(name string) bool {
	base := path.Base(name)
	for _, m := range placeholderMarkers {
		if strings.Contains(base, m) {
			return true
		}
	}
	return false
}

// ProcessedPath maps an incoming object path to its archive path.
func ProcessedPath(objectPath string) string {
	return ProcessedPrefix + strings.TrimPrefix(objectPath, IncomingPrefix)
}
