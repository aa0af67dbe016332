package plugin

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskweave/taskweave/pkg/expr"
	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// Mailer sends outbound mail for the send_email plugin. The production
// implementation lives in pkg/providers.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// BuiltinDeps are the external dependencies of the built-in plugin set.
type BuiltinDeps struct {
	HTTPClient *http.Client
	Mailer     Mailer
}

const (
	defaultMaxBodyBytes  = int64(10 << 20)
	downloadMaxBodyBytes = int64(20 << 20)
)

// Builtins returns the system plugin set.
func Builtins(deps BuiltinDeps) []*Plugin {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return []*Plugin{
		httpGetPlugin(client),
		httpPostPlugin(client),
		transformPlugin(),
		listFilterPlugin(),
		sendEmailPlugin(deps.Mailer),
		waitPlugin(),
		fileDownloadPlugin(client),
	}
}

func fetch(ctx context.Context, client *http.Client, method, url string, headers map[string]any, body io.Reader, maxBody int64) (int, []byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, nil, taskerr.Wrap(taskerr.KindInvalidInput, err, "failed to build request")
	}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return 0, nil, nil, err
	}
	if int64(len(data)) > maxBody {
		return 0, nil, nil, taskerr.New(taskerr.KindPolicyViolation,
			"response body exceeds %d bytes", maxBody)
	}
	if resp.StatusCode >= 500 {
		return 0, nil, nil, taskerr.New(taskerr.KindNetwork,
			"upstream returned %d", resp.StatusCode)
	}
	return resp.StatusCode, data, resp.Header, nil
}

func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func httpGetPlugin(client *http.Client) *Plugin {
	rec := &models.PluginRecord{
		Namespace:   "http.get",
		Description: "Fetch a URL with GET and return status, headers, and body",
		Category:    models.CategoryIO,
		System:      true,
		Inputs: map[string]models.FieldSpec{
			"url":     {Type: models.FieldTypeString, Required: true, Description: "Target URL (https)"},
			"headers": {Type: models.FieldTypeObject, Description: "Request headers"},
		},
		Outputs: map[string]models.FieldSpec{
			"status":  {Type: models.FieldTypeNumber},
			"body":    {Type: models.FieldTypeString},
			"headers": {Type: models.FieldTypeObject},
		},
	}
	return &Plugin{
		Record: rec,
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) {
			url, _ := inv.Inputs["url"].(string)
			headers, _ := inv.Inputs["headers"].(map[string]any)
			status, body, respHeaders, err := fetch(ctx, client, http.MethodGet, url, headers, nil, rec.Policy.MaxBodyBytes)
			if err != nil {
				return nil, err
			}
			return &Result{Outputs: map[string]any{
				"status":  float64(status),
				"body":    string(body),
				"headers": headerMap(respHeaders),
			}}, nil
		},
	}
}

func httpPostPlugin(client *http.Client) *Plugin {
	rec := &models.PluginRecord{
		Namespace:   "http.post",
		Description: "POST a body to a URL and return status and response body",
		Category:    models.CategoryIO,
		System:      true,
		Inputs: map[string]models.FieldSpec{
			"url":          {Type: models.FieldTypeString, Required: true},
			"body":         {Type: models.FieldTypeString, Required: true},
			"content_type": {Type: models.FieldTypeString, Default: "application/json"},
			"headers":      {Type: models.FieldTypeObject},
		},
		Outputs: map[string]models.FieldSpec{
			"status": {Type: models.FieldTypeNumber},
			"body":   {Type: models.FieldTypeString},
		},
	}
	return &Plugin{
		Record: rec,
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) {
			url, _ := inv.Inputs["url"].(string)
			body, _ := inv.Inputs["body"].(string)
			contentType, _ := inv.Inputs["content_type"].(string)
			headers, _ := inv.Inputs["headers"].(map[string]any)
			if headers == nil {
				headers = map[string]any{}
			}
			if contentType != "" {
				headers["Content-Type"] = contentType
			}
			status, respBody, _, err := fetch(ctx, client, http.MethodPost, url, headers, strings.NewReader(body), rec.Policy.MaxBodyBytes)
			if err != nil {
				return nil, err
			}
			return &Result{Outputs: map[string]any{
				"status": float64(status),
				"body":   string(respBody),
			}}, nil
		},
	}
}

func transformPlugin() *Plugin {
	rec := &models.PluginRecord{
		Namespace:   "transform",
		Description: "Evaluate a whitelisted expression against a value",
		Category:    models.CategoryDataProcessing,
		System:      true,
		Inputs: map[string]models.FieldSpec{
			"expression": {Type: models.FieldTypeString, Required: true, Description: "Expression over the bound value"},
			"value":      {Type: models.FieldTypeObject, Description: "Value bound as 'value' in the expression"},
		},
		Outputs: map[string]models.FieldSpec{
			"result": {Type: models.FieldTypeObject},
		},
	}
	return &Plugin{
		Record: rec,
		Handler: func(_ context.Context, inv Invocation) (*Result, error) {
			expression, _ := inv.Inputs["expression"].(string)
			env := map[string]any{"value": inv.Inputs["value"]}
			result, err := expr.Evaluate(expression, env)
			if err != nil {
				return nil, taskerr.Wrap(taskerr.KindInvalidInput, err, "transform expression failed")
			}
			return &Result{Outputs: map[string]any{"result": result}}, nil
		},
	}
}

func listFilterPlugin() *Plugin {
	rec := &models.PluginRecord{
		Namespace:   "list.filter",
		Description: "Keep list items for which a condition holds",
		Category:    models.CategoryDataProcessing,
		System:      true,
		Inputs: map[string]models.FieldSpec{
			"items":     {Type: models.FieldTypeList, Required: true},
			"condition": {Type: models.FieldTypeString, Required: true, Description: "Condition over 'item' and 'index'"},
		},
		Outputs: map[string]models.FieldSpec{
			"items": {Type: models.FieldTypeList},
			"count": {Type: models.FieldTypeNumber},
		},
	}
	return &Plugin{
		Record: rec,
		Handler: func(_ context.Context, inv Invocation) (*Result, error) {
			items, _ := inv.Inputs["items"].([]any)
			condition, _ := inv.Inputs["condition"].(string)

			kept := make([]any, 0, len(items))
			for i, item := range items {
				ok, err := expr.EvaluateBool(condition, map[string]any{
					"item":  item,
					"index": float64(i),
				})
				if err != nil {
					return nil, taskerr.Wrap(taskerr.KindInvalidInput, err,
						"filter condition failed at index %d", i)
				}
				if ok {
					kept = append(kept, item)
				}
			}
			return &Result{Outputs: map[string]any{
				"items": kept,
				"count": float64(len(kept)),
			}}, nil
		},
	}
}

func sendEmailPlugin(mailer Mailer) *Plugin {
	rec := &models.PluginRecord{
		Namespace:          "send_email",
		Description:        "Send an email to a recipient",
		Category:           models.CategoryCommunication,
		System:             true,
		RequiresCheckpoint: true,
		Inputs: map[string]models.FieldSpec{
			"to":      {Type: models.FieldTypeString, Required: true},
			"subject": {Type: models.FieldTypeString, Required: true},
			"body":    {Type: models.FieldTypeString, Required: true},
		},
		Outputs: map[string]models.FieldSpec{
			"delivered": {Type: models.FieldTypeBool},
		},
	}
	return &Plugin{
		Record: rec,
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) {
			if mailer == nil {
				return nil, taskerr.New(taskerr.KindPluginFailure, "no mailer configured")
			}
			to, _ := inv.Inputs["to"].(string)
			subject, _ := inv.Inputs["subject"].(string)
			body, _ := inv.Inputs["body"].(string)
			if err := mailer.SendEmail(ctx, to, subject, body); err != nil {
				return nil, err
			}
			return &Result{Outputs: map[string]any{"delivered": true}}, nil
		},
	}
}

func waitPlugin() *Plugin {
	rec := &models.PluginRecord{
		Namespace:   "wait",
		Description: "Pause for a number of seconds",
		Category:    models.CategoryLogic,
		System:      true,
		Inputs: map[string]models.FieldSpec{
			"seconds": {Type: models.FieldTypeNumber, Required: true},
		},
		Outputs: map[string]models.FieldSpec{
			"waited_seconds": {Type: models.FieldTypeNumber},
		},
	}
	return &Plugin{
		Record: rec,
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) {
			seconds, _ := inv.Inputs["seconds"].(float64)
			if seconds < 0 {
				return nil, taskerr.New(taskerr.KindInvalidInput, "seconds must be non-negative")
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			}
			return &Result{Outputs: map[string]any{"waited_seconds": seconds}}, nil
		},
	}
}

func fileDownloadPlugin(client *http.Client) *Plugin {
	rec := &models.PluginRecord{
		Namespace:   "file.download",
		Description: "Download a file and return its content base64-encoded",
		Category:    models.CategoryIO,
		System:      true,
		Inputs: map[string]models.FieldSpec{
			"url": {Type: models.FieldTypeString, Required: true},
		},
		Outputs: map[string]models.FieldSpec{
			"content_base64": {Type: models.FieldTypeString},
			"content_type":   {Type: models.FieldTypeString},
			"size_bytes":     {Type: models.FieldTypeNumber},
		},
	}
	return &Plugin{
		Record: rec,
		Handler: func(ctx context.Context, inv Invocation) (*Result, error) {
			url, _ := inv.Inputs["url"].(string)
			status, body, headers, err := fetch(ctx, client, http.MethodGet, url, nil, nil, downloadMaxBodyBytes)
			if err != nil {
				return nil, err
			}
			if status != http.StatusOK {
				return nil, taskerr.New(taskerr.KindPluginFailure,
					"download of %s returned %d", url, status)
			}
			return &Result{Outputs: map[string]any{
				"content_base64": base64.StdEncoding.EncodeToString(body),
				"content_type":   headers.Get("Content-Type"),
				"size_bytes":     float64(len(body)),
			}}, nil
		},
	}
}
