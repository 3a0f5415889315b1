package task

import (
	"fmt"
	"time"
)

// Typed parameter projections. The wire keeps the untyped parameter map;
// handlers only ever see the view for their task type, projected once at the
// consume boundary.

type (
	// ReportParams configures a ReportGeneration task.
	ReportParams struct {
		ReportName string
		Format     string // pdf, csv, xlsx
		PeriodFrom time.Time
		PeriodTo   time.Time
		Recipients []string
	}

	// EmailParams configures an EmailNotification task.
	EmailParams struct {
		To       []string
		Subject  string
		Template string
		Locale   string
	}

	// ExportParams configures a DataExport task.
	ExportParams struct {
		Dataset     string
		Destination string
		Compress    bool
	}

	// ImageParams configures an ImageProcessing task.
	ImageParams struct {
		SourceURL string
		Widths    []int
		Quality   int
	}

	// ImportParams configures a BatchImport task.
	ImportParams struct {
		SourceURL string
		Mapping   string
		DryRun    bool
	}

	// WebhookParams configures a WebhookDelivery task.
	WebhookParams struct {
		URL       string
		Secret    string
		EventType string
	}

	// Params is the typed view over a task's parameter map. Exactly one field
	// matching the task type is populated.
	Params struct {
		Report  *ReportParams
		Email   *EmailParams
		Export  *ExportParams
		Image   *ImageParams
		Import  *ImportParams
		Webhook *WebhookParams
	}
)

// ProjectParams converts the untyped parameter map into the typed view for
// the task's type. Unknown keys are ignored; missing keys yield zero values.
// An error is returned only when a present key carries an incompatible type.
func (t *Task) ProjectParams() (Params, error) {
	var p Params
	m := t.Parameters
	switch t.Type {
	case TypeReportGeneration:
		rp := &ReportParams{}
		var err error
		if rp.ReportName, err = stringParam(m, "report_name"); err != nil {
			return p, err
		}
		if rp.Format, err = stringParam(m, "format"); err != nil {
			return p, err
		}
		if rp.PeriodFrom, err = timeParam(m, "period_from"); err != nil {
			return p, err
		}
		if rp.PeriodTo, err = timeParam(m, "period_to"); err != nil {
			return p, err
		}
		if rp.Recipients, err = stringsParam(m, "recipients"); err != nil {
			return p, err
		}
		p.Report = rp
	case TypeEmailNotification:
		ep := &EmailParams{}
		var err error
		if ep.To, err = stringsParam(m, "to"); err != nil {
			return p, err
		}
		if ep.Subject, err = stringParam(m, "subject"); err != nil {
			return p, err
		}
		if ep.Template, err = stringParam(m, "template"); err != nil {
			return p, err
		}
		if ep.Locale, err = stringParam(m, "locale"); err != nil {
			return p, err
		}
		p.Email = ep
	case TypeDataExport:
		xp := &ExportParams{}
		var err error
		if xp.Dataset, err = stringParam(m, "dataset"); err != nil {
			return p, err
		}
		if xp.Destination, err = stringParam(m, "destination"); err != nil {
			return p, err
		}
		if xp.Compress, err = boolParam(m, "compress"); err != nil {
			return p, err
		}
		p.Export = xp
	case TypeImageProcessing:
		ip := &ImageParams{}
		var err error
		if ip.SourceURL, err = stringParam(m, "source_url"); err != nil {
			return p, err
		}
		if ip.Widths, err = intsParam(m, "widths"); err != nil {
			return p, err
		}
		if ip.Quality, err = intParam(m, "quality"); err != nil {
			return p, err
		}
		p.Image = ip
	case TypeBatchImport:
		bp := &ImportParams{}
		var err error
		if bp.SourceURL, err = stringParam(m, "source_url"); err != nil {
			return p, err
		}
		if bp.Mapping, err = stringParam(m, "mapping"); err != nil {
			return p, err
		}
		if bp.DryRun, err = boolParam(m, "dry_run"); err != nil {
			return p, err
		}
		p.Import = bp
	case TypeWebhookDelivery:
		wp := &WebhookParams{}
		var err error
		if wp.URL, err = stringParam(m, "url"); err != nil {
			return p, err
		}
		if wp.Secret, err = stringParam(m, "secret"); err != nil {
			return p, err
		}
		if wp.EventType, err = stringParam(m, "event_type"); err != nil {
			return p, err
		}
		p.Webhook = wp
	default:
		return p, fmt.Errorf("unknown task type %q", t.Type)
	}
	return p, nil
}

func stringParam(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: expected string, got %T", key, v)
	}
	return s, nil
}

func boolParam(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q: expected bool, got %T", key, v)
	}
	return b, nil
}

func intParam(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64: // JSON numbers decode as float64
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q: expected number, got %T", key, v)
	}
}

func timeParam(m map[string]any, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("parameter %q: %w", key, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("parameter %q: expected RFC3339 string, got %T", key, v)
	}
}

func stringsParam(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q: expected string element, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q: expected string list, got %T", key, v)
	}
}

func intsParam(m map[string]any, key string) ([]int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []int:
		return list, nil
	case []any:
		out := make([]int, 0, len(list))
		for _, item := range list {
			switch n := item.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			default:
				return nil, fmt.Errorf("parameter %q: expected numeric element, got %T", key, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q: expected numeric list, got %T", key, v)
	}
}
