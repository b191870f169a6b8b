package sandbox

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// OrderView is the read-only order snapshot exposed to scripts. It is a
// copy; nothing a script does to it reaches the database.
type OrderView struct {
	OrderNo       string          `json:"orderNo"`
	Quantity      int             `json:"quantity"`
	SKU           string          `json:"sku"`
	ItemName      string          `json:"itemName"`
	TotalAmount   float64         `json:"totalAmount"`
	Currency      string          `json:"currency"`
	UserEmail     string          `json:"userEmail"`
	ReceiverName  string          `json:"receiverName"`
	ReceiverPhone string          `json:"receiverPhone"`
	ReceiverAddr  string          `json:"receiverAddr"`
	CreatedAt     string          `json:"createdAt"`
	User          OrderViewUser   `json:"user"`
	Items         []OrderViewItem `json:"items"`
}

// OrderViewItem is one order line in the script's order snapshot.
type OrderViewItem struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// OrderViewUser is the purchaser's public profile as scripts see it.
type OrderViewUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

const maxSleep = 5 * time.Second

const defaultDateLayout = "2006-01-02 15:04:05"

// installHostAPI wires the capability groups into the VM. order and
// config expose their fields directly plus accessor functions; utils,
// http and system are host functions. HTTP calls never throw; failures
// come back as {error, status: 0} so scripts handle them in-band.
func (e *Engine) installHostAPI(ctx context.Context, vm *goja.Runtime, order OrderView, config map[string]any, log *slog.Logger) error {
	orderObj, err := buildOrderObject(vm, order)
	if err != nil {
		return err
	}
	if err := vm.Set("order", orderObj); err != nil {
		return err
	}
	if err := vm.Set("config", buildConfigObject(vm, config)); err != nil {
		return err
	}

	utils := vm.NewObject()
	_ = utils.Set("md5", func(s string) string {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	_ = utils.Set("sha256", func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	_ = utils.Set("base64Encode", func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	})
	_ = utils.Set("base64Decode", func(s string) string {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return ""
		}
		return string(decoded)
	})
	_ = utils.Set("generateId", func() string { return uuid.NewString() })
	_ = utils.Set("uuid", func() string { return uuid.NewString() })
	_ = utils.Set("timestamp", func() int64 { return e.clock().Unix() })
	_ = utils.Set("jsonEncode", func(v goja.Value) string {
		encoded, err := json.Marshal(v.Export())
		if err != nil {
			return ""
		}
		return string(encoded)
	})
	_ = utils.Set("jsonDecode", func(s string) any {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil
		}
		return decoded
	})
	_ = utils.Set("formatDate", func(call goja.FunctionCall) goja.Value {
		ts := e.clock()
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			ts = time.Unix(arg.ToInteger(), 0)
		}
		layout := defaultDateLayout
		if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			layout = arg.String()
		}
		return vm.ToValue(ts.UTC().Format(layout))
	})
	_ = utils.Set("randomString", func(n int) string {
		const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
		if n <= 0 || n > 256 {
			n = 16
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return ""
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	})
	if err := vm.Set("utils", utils); err != nil {
		return err
	}

	httpObj := vm.NewObject()
	_ = httpObj.Set("request", func(call goja.FunctionCall) goja.Value {
		method := strings.ToUpper(call.Argument(0).String())
		url := call.Argument(1).String()
		body := optionalString(call.Argument(2))
		headers := headerMap(call.Argument(3))
		return vm.ToValue(e.scriptRequest(ctx, method, url, headers, body))
	})
	_ = httpObj.Set("get", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(e.scriptRequest(ctx, "GET",
			call.Argument(0).String(), headerMap(call.Argument(1)), ""))
	})
	_ = httpObj.Set("post", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(e.scriptRequest(ctx, "POST",
			call.Argument(0).String(), headerMap(call.Argument(2)), optionalString(call.Argument(1))))
	})
	if err := vm.Set("http", httpObj); err != nil {
		return err
	}

	system := vm.NewObject()
	_ = system.Set("log", func(msg string) {
		log.Info("script log", "message", msg)
	})
	_ = system.Set("getTimestamp", func() int64 { return e.clock().Unix() })
	_ = system.Set("sleep", func(ms int) {
		d := time.Duration(ms) * time.Millisecond
		if d < 0 {
			return
		}
		if d > maxSleep {
			d = maxSleep
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	})
	return vm.Set("system", system)
}

// buildOrderObject exposes the order both as plain fields and through the
// get/getItems/getUser accessors.
func buildOrderObject(vm *goja.Runtime, order OrderView) (*goja.Object, error) {
	encoded, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}

	obj := vm.NewObject()
	for k, v := range fields {
		if err := obj.Set(k, v); err != nil {
			return nil, err
		}
	}
	_ = obj.Set("get", func() map[string]any { return fields })
	_ = obj.Set("getItems", func() any { return fields["items"] })
	_ = obj.Set("getUser", func() any { return fields["user"] })
	return obj, nil
}

// buildConfigObject exposes config keys directly plus get(key, default):
// get() with no key returns the whole config, a missing key falls back to
// the default argument.
func buildConfigObject(vm *goja.Runtime, config map[string]any) *goja.Object {
	obj := vm.NewObject()
	for k, v := range config {
		_ = obj.Set(k, v)
	}
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0)
		if goja.IsUndefined(key) || goja.IsNull(key) {
			return vm.ToValue(config)
		}
		if v, ok := config[key.String()]; ok {
			return vm.ToValue(v)
		}
		return call.Argument(1)
	})
	return obj
}

func optionalString(v goja.Value) string {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func headerMap(v goja.Value) map[string]string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw, ok := v.Export().(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, hv := range raw {
		out[k] = fmt.Sprint(hv)
	}
	return out
}

func (e *Engine) scriptRequest(ctx context.Context, method, url string, headers map[string]string, body string) map[string]any {
	resp, err := e.egress.Do(ctx, method, url, headers, body)
	if err != nil {
		return map[string]any{"error": err.Error(), "status": 0}
	}
	return map[string]any{
		"status":  resp.Status,
		"body":    resp.Body,
		"headers": resp.Headers,
	}
}
