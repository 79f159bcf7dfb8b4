package page

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/aspruds/divolte-collector/internal/params"
	"github.com/aspruds/divolte-collector/internal/queue"
)

// maxSafeInteger is Number.MAX_SAFE_INTEGER.
const maxSafeInteger = 1<<53 - 1

var errCyclic = errors.New("converting circular structure")

// converter turns JavaScript values into parameter trees the way
// JSON.stringify would see them: undefined and functions are dropped from
// objects and become null inside arrays, Dates become ISO-8601 strings.
type converter struct {
	stack map[*goja.Object]bool
}

func newConverter() *converter {
	return &converter{stack: make(map[*goja.Object]bool)}
}

// value converts v. ok is false when v has no JSON representation.
func (c *converter) value(v goja.Value) (pv params.Value, ok bool, err error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, false, nil
	}
	if goja.IsNull(v) {
		return params.Null{}, true, nil
	}

	obj, isObj := v.(*goja.Object)
	if !isObj {
		return primitive(v.Export())
	}

	switch obj.ClassName() {
	case "Function":
		return nil, false, nil
	case "Date":
		t, ok := obj.Export().(time.Time)
		if !ok {
			return params.Null{}, true, nil
		}
		return params.String(params.FormatTime(t)), true, nil
	case "String", "Number", "Boolean":
		return primitive(obj.Export())
	}

	if c.stack[obj] {
		return nil, false, errCyclic
	}
	c.stack[obj] = true
	defer delete(c.stack, obj)

	if obj.ClassName() == "Array" {
		n := obj.Get("length").ToInteger()
		arr := make(params.Array, 0, n)
		for i := int64(0); i < n; i++ {
			ev, ok, err := c.value(obj.Get(strconv.FormatInt(i, 10)))
			if err != nil {
				return nil, false, err
			}
			if !ok {
				ev = params.Null{}
			}
			arr = append(arr, ev)
		}
		return arr, true, nil
	}

	members := params.Object{}
	for _, key := range obj.Keys() {
		ev, ok, err := c.value(obj.Get(key))
		if err != nil {
			return nil, false, err
		}
		if ok {
			members = append(members, params.Member{Key: key, Value: ev})
		}
	}
	return members, true, nil
}

func primitive(x any) (params.Value, bool, error) {
	switch n := x.(type) {
	case string:
		return params.String(n), true, nil
	case bool:
		return params.Bool(n), true, nil
	case int64:
		return params.Int(n), true, nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return params.Null{}, true, nil
		}
		if n == math.Trunc(n) && math.Abs(n) <= maxSafeInteger {
			return params.Int(int64(n)), true, nil
		}
		return params.Float(n), true, nil
	case nil:
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("unsupported value of type %T", x)
}

// toCall converts one queue entry, [methodName, ...args], into a queue.Call.
// Arguments are converted when the call is made, so later mutations of the
// page's objects do not leak into queued calls.
func toCall(entry goja.Value) (queue.Call, error) {
	obj, ok := entry.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return queue.Call{}, fmt.Errorf("queue entry must be an array, got %s", describe(entry))
	}
	n := obj.Get("length").ToInteger()
	if n == 0 {
		return queue.Call{}, errors.New("queue entry is empty")
	}
	return makeCall(obj.Get("0"), func(yield func(goja.Value) bool) {
		for i := int64(1); i < n; i++ {
			if !yield(obj.Get(strconv.FormatInt(i, 10))) {
				return
			}
		}
	})
}

// makeCall builds a call from a method name and its JavaScript arguments.
func makeCall(method goja.Value, args func(yield func(goja.Value) bool)) (queue.Call, error) {
	if method == nil || goja.IsUndefined(method) || goja.IsNull(method) {
		return queue.Call{}, errors.New("method name is required")
	}
	if _, isObj := method.(*goja.Object); isObj {
		return queue.Call{}, fmt.Errorf("method name must be a string, got %s", describe(method))
	}
	name := method.String()
	if name == "" {
		return queue.Call{}, errors.New("method name is required")
	}

	c := queue.Call{Method: name}
	var convErr error
	args(func(a goja.Value) bool {
		pv, ok, err := newConverter().value(a)
		if err != nil {
			convErr = fmt.Errorf("argument %d of %s: %w", len(c.Args), name, err)
			return false
		}
		if !ok {
			pv = params.Null{}
		}
		c.Args = append(c.Args, pv)
		return true
	})
	if convErr != nil {
		return queue.Call{}, convErr
	}
	return c, nil
}

func describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		return obj.ClassName()
	}
	return fmt.Sprintf("%T", v.Export())
}
