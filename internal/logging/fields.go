// Package logging provides a chainable structured-fields builder on top of
// logrus, used consistently across the HTTP surface, the pipeline worker,
// and the query tool set so every log line carries the same vocabulary.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable builder for structured logging key/value pairs.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) JobID(id string) Fields {
	if id != "" {
		f["job_id"] = id
	}
	return f
}

func (f Fields) TraceID(id string) Fields {
	if id != "" {
		f["trace_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	if id != "" {
		f["request_id"] = id
	}
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus converts to logrus.Fields for use with *logrus.Entry.
func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// HTTPFields builds the standard field set for an HTTP access log line.
func HTTPFields(method, url string, status int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(status)
}

// PipelineFields builds the standard field set for a pipeline stage log line.
func PipelineFields(jobID, stage string) Fields {
	return NewFields().Component("pipeline").JobID(jobID).Custom("stage", stage)
}

// ToolFields builds the standard field set for a query tool invocation.
func ToolFields(tool, traceID string) Fields {
	return NewFields().Component("tools").Custom("tool", tool).TraceID(traceID)
}

// RetentionFields builds the standard field set for retention collector log lines.
func RetentionFields(jobID string) Fields {
	return NewFields().Component("retention").JobID(jobID)
}
