package bots

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"carehooks/internal/storage"
)

// VMContextRuntime executes bot source in an in-process JavaScript sandbox.
// Each execution gets a fresh VM with a small curated global surface; the
// bot has no access to the host process beyond what is installed here.
type VMContextRuntime struct {
	storage    storage.BinaryStorage
	httpClient *http.Client
	log        *slog.Logger

	// defaultTimeout bounds executions whose bot has no explicit timeout.
	defaultTimeout time.Duration
}

// NewVMContextRuntime constructs the sandbox adapter.
func NewVMContextRuntime(st storage.BinaryStorage, httpClient *http.Client, log *slog.Logger, defaultTimeout time.Duration) *VMContextRuntime {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &VMContextRuntime{storage: st, httpClient: httpClient, log: log, defaultTimeout: defaultTimeout}
}

// Execute loads the bot source, runs it in a fresh VM and invokes the global
// handler function with the event object.
func (r *VMContextRuntime) Execute(ctx context.Context, ec *ExecutionContext) *ExecutionResult {
	if r.storage == nil {
		return failure("Sandbox runtime is not configured")
	}
	if ec.Bot.ExecutableCodeKey == "" {
		return failure("Bot has no executable code")
	}

	source, err := r.storage.ReadFile(ctx, ec.Bot.ExecutableCodeKey)
	if err != nil {
		return failure("Could not load bot code: %v", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	console := &consoleBuffer{}
	r.installGlobals(vm, console)

	timeout := ec.Bot.Timeout(r.defaultTimeout)
	timer := time.AfterFunc(timeout, func() { vm.Interrupt("execution timed out") })
	defer timer.Stop()

	result := r.run(vm, string(source), r.eventObject(ec))
	result.LogResult = console.String() + result.LogResult
	return result
}

func (r *VMContextRuntime) run(vm *goja.Runtime, source string, event map[string]any) (result *ExecutionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			if _, ok := rec.(*goja.InterruptedError); ok {
				result = failure("Bot execution timed out")
				return
			}
			result = failure("Bot panicked: %v", rec)
		}
	}()

	if _, err := vm.RunString(source); err != nil {
		return runtimeFailure(err)
	}

	handler, ok := goja.AssertFunction(vm.Get("handler"))
	if !ok {
		return failure("Bot code does not define a handler function")
	}

	value, err := handler(goja.Undefined(), vm.ToValue(event))
	if err != nil {
		return runtimeFailure(err)
	}

	// goja drains the promise job queue when the call returns, so a promise
	// still pending here will never settle.
	if p, ok := value.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateRejected:
			return failure("Bot rejected: %s", p.Result().String())
		case goja.PromiseStatePending:
			return failure("Bot returned a promise that never settled")
		default:
			value = p.Result()
		}
	}

	return &ExecutionResult{Success: true, ReturnValue: exportValue(value)}
}

func runtimeFailure(err error) *ExecutionResult {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return failure("Bot execution timed out")
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return failure("Bot threw: %s", exception.Value().String())
	}
	return failure("Bot failed: %v", err)
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// eventObject builds the single argument passed to the bot handler.
func (r *VMContextRuntime) eventObject(ec *ExecutionContext) map[string]any {
	secrets := make(map[string]any, len(ec.Secrets))
	for name, s := range ec.Secrets {
		secrets[name] = map[string]any{"name": s.Name, "value": s.Value()}
	}
	headers := make(map[string]any, len(ec.Headers))
	for k, v := range ec.Headers {
		headers[k] = v
	}
	return map[string]any{
		"input":       ec.Input,
		"contentType": ec.ContentType,
		"secrets":     secrets,
		"traceId":     ec.TraceID,
		"headers":     headers,
		"accessToken": ec.AccessToken,
		"baseUrl":     ec.BaseURL,
	}
}

// installGlobals wires the curated host surface: console, a blocking fetch,
// and base64 helpers.
func (r *VMContextRuntime) installGlobals(vm *goja.Runtime, console *consoleBuffer) {
	consoleObj := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = consoleObj.Set(level, func(args ...goja.Value) {
			console.writeLine(args)
		})
	}
	_ = vm.Set("console", consoleObj)

	_ = vm.Set("encodeBase64", func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	})
	_ = vm.Set("decodeBase64", func(s string) (string, error) {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})

	// fetch blocks the VM goroutine; the execution timeout still applies
	// because Interrupt fires from a separate timer goroutine.
	_ = vm.Set("fetch", func(url string, options map[string]any) (map[string]any, error) {
		return r.hostFetch(url, options)
	})
}

func (r *VMContextRuntime) hostFetch(url string, options map[string]any) (map[string]any, error) {
	method := http.MethodGet
	var body io.Reader
	headers := map[string]string{}
	if options != nil {
		if m, ok := options["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		if b, ok := options["body"].(string); ok {
			body = strings.NewReader(b)
		}
		if h, ok := options["headers"].(map[string]any); ok {
			for k, v := range h {
				headers[k] = fmt.Sprint(v)
			}
		}
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"ok":      resp.StatusCode >= 200 && resp.StatusCode < 300,
		"headers": respHeaders,
		"body":    string(data),
	}, nil
}

// consoleBuffer captures console output from the sandbox. Single-goroutine
// use; the VM runs on one goroutine.
type consoleBuffer struct {
	b strings.Builder
}

func (c *consoleBuffer) writeLine(args []goja.Value) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	c.b.WriteString(strings.Join(parts, " "))
	c.b.WriteByte('\n')
}

func (c *consoleBuffer) String() string {
	return c.b.String()
}
