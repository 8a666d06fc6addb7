// Package vbox is a client of the VirtualBox web service (vboxwebsrv).
//
// The web service exposes the VirtualBox Main API over SOAP. Every object
// (the VirtualBox instance, machines, sessions, consoles, progress objects
// ...) is addressed by an opaque managed object reference returned by a
// previous call, so the client is a flat set of methods taking and returning
// Ref values. A Ref stays valid for the whole web session, which lets a
// reference obtained by one Client be used by another one pointing to the
// same endpoint.
package vbox

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	soapNS = "http://schemas.xmlsoap.org/soap/envelope/"
	vboxNS = "http://www.virtualbox.org/"
)

// Ref is a managed object reference.
type Ref string

// Result codes of the VirtualBox Main API as carried by SOAP faults.
const (
	ObjectNotFound     int32 = -2135228415 // VBOX_E_OBJECT_NOT_FOUND 0x80BB0001
	InvalidVMState     int32 = -2135228414 // VBOX_E_INVALID_VM_STATE 0x80BB0002
	InvalidObjectState int32 = -2135228409 // VBOX_E_INVALID_OBJECT_STATE 0x80BB0007
)

// Fault is an error returned by the web service.
type Fault struct {
	Code    int32
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("vbox: %s (0x%08X)", f.Message, uint32(f.Code))
}

// IsInvalidObjectState reports whether err is a fault caused by an object in
// an unexpected state, typically a machine which is still locked.
func IsInvalidObjectState(err error) bool {
	return hasCode(err, InvalidObjectState)
}

func IsObjectNotFound(err error) bool {
	return hasCode(err, ObjectNotFound)
}

func hasCode(err error, code int32) bool {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Code == code
	}
	return false
}

// Client calls the web service at a single endpoint.
type Client struct {
	url    string
	client *http.Client
}

// NewClient returns a client for the web service listening at url, for
// example http://localhost:18083.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		// waiting on progress objects is done by polling, so no call
		// is expected to take long
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) URL() string {
	return c.url
}

type arg struct {
	name   string
	values []string
}

func one(name, value string) arg {
	return arg{name: name, values: []string{value}}
}

func this(ref Ref) arg {
	return one("_this", string(ref))
}

func num(name string, value int) arg {
	return one(name, strconv.Itoa(value))
}

func many(name string, values ...string) arg {
	return arg{name: name, values: values}
}

// response holds the child elements of a method response in document order.
type response []field

type field struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func (r response) value(name string) string {
	for _, f := range r {
		if f.XMLName.Local == name {
			return f.Value
		}
	}
	return ""
}

func (r response) values(name string) []string {
	var ret []string
	for _, f := range r {
		if f.XMLName.Local == name {
			ret = append(ret, f.Value)
		}
	}
	return ret
}

func (r response) ref() Ref {
	return Ref(r.value("returnval"))
}

func (r response) integer(name string) (int, error) {
	s := r.value(name)
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, s, err)
	}
	return i, nil
}

type envelope struct {
	Body struct {
		Fault    *soapFault `xml:"Fault"`
		Response struct {
			XMLName xml.Name
			Fields  []field `xml:",any"`
		} `xml:",any"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		Runtime struct {
			ResultCode string `xml:"resultCode"`
		} `xml:",any"`
	} `xml:"detail"`
}

var reHexCode = regexp.MustCompile(`0x([0-9a-fA-F]{8})`)

func (f soapFault) fault() *Fault {
	ret := &Fault{Message: strings.TrimSpace(f.String)}
	if ret.Message == "" {
		ret.Message = f.Code
	}
	if rc := strings.TrimSpace(f.Detail.Runtime.ResultCode); rc != "" {
		if code, err := strconv.ParseInt(rc, 0, 64); err == nil {
			ret.Code = int32(code)
			return ret
		}
	}
	if m := reHexCode.FindStringSubmatch(f.String); m != nil {
		code, _ := strconv.ParseUint(m[1], 16, 32)
		ret.Code = int32(uint32(code))
	}
	return ret
}

func request(method string, args []arg) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString(`<soap:Envelope xmlns:soap="` + soapNS + `" xmlns:vbox="` + vboxNS + `"><soap:Body>`)
	buf.WriteString(`<vbox:` + method + `>`)
	for _, a := range args {
		for _, v := range a.values {
			buf.WriteString(`<` + a.name + `>`)
			_ = xml.EscapeText(&buf, []byte(v))
			buf.WriteString(`</` + a.name + `>`)
		}
	}
	buf.WriteString(`</vbox:` + method + `>`)
	buf.WriteString(`</soap:Body></soap:Envelope>`)
	return buf.Bytes()
}

// call invokes method, for example IVirtualBox_findMachine, and returns
// the fields of its response.
func (c *Client) call(ctx context.Context, method string, args ...arg) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(request(method, args)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `""`)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}

	var env envelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("calling %s: status %d: %s", method, resp.StatusCode, truncate(raw))
		}
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if env.Body.Fault != nil {
		return nil, fmt.Errorf("calling %s: %w", method, env.Body.Fault.fault())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calling %s: status %d", method, resp.StatusCode)
	}
	if want := method + "Response"; env.Body.Response.XMLName.Local != want {
		return nil, fmt.Errorf("calling %s: unexpected response element %q", method, env.Body.Response.XMLName.Local)
	}
	return env.Body.Response.Fields, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
