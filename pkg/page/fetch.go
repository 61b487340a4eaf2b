package page

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pagewatch/pkg/traffic"
)

// ErrBodyUsed 响应体已被读取
var ErrBodyUsed = errors.New("page: body stream already read")

// FetchFunc fetch 全局函数槽
type FetchFunc func(ctx context.Context, req *Request) (*Response, error)

// Request fetch 调用参数
type Request struct {
	URL    string
	Method string
	Header traffic.Header
	Body   []byte
}

// NewRequest 创建请求，method 为空时使用 GET
func NewRequest(method, url string, body []byte) *Request {
	if method == "" {
		method = "GET"
	}
	return &Request{URL: url, Method: strings.ToUpper(method), Header: make(traffic.Header), Body: body}
}

// RequestInit fetch 第二个参数的可序列化形式
type RequestInit struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body"`
}

// Args 返回原始调用参数 [url, init]
func (r *Request) Args() []any {
	if r == nil {
		return []any{}
	}
	init := RequestInit{Method: r.Method, Headers: r.Header}
	if r.Body != nil {
		b := string(r.Body)
		init.Body = &b
	}
	return []any{r.URL, init}
}

// Response fetch 返回的响应对象，响应体只能读取一次
type Response struct {
	URL        string
	Status     int
	StatusText string
	Header     traffic.Header

	src  *bodySource
	mu   sync.Mutex
	used bool
}

// bodySource 响应体来源，多个克隆共享同一份延迟加载结果
type bodySource struct {
	once sync.Once
	load func() ([]byte, error)
	data []byte
	err  error
}

func (b *bodySource) bytes() ([]byte, error) {
	b.once.Do(func() {
		if b.load != nil {
			b.data, b.err = b.load()
		}
	})
	return b.data, b.err
}

// NewResponse 使用已缓冲的响应体创建响应
func NewResponse(url string, status int, header traffic.Header, body []byte) *Response {
	return NewLazyResponse(url, status, header, func() ([]byte, error) { return body, nil })
}

// NewLazyResponse 使用延迟加载的响应体创建响应
func NewLazyResponse(url string, status int, header traffic.Header, load func() ([]byte, error)) *Response {
	if header == nil {
		header = make(traffic.Header)
	}
	return &Response{URL: url, Status: status, Header: header, src: &bodySource{load: load}}
}

// BodyUsed 响应体是否已被读取
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Clone 复制响应，原响应体仍可被读取；响应体已读取时返回 ErrBodyUsed
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	return &Response{
		URL:        r.URL,
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		src:        r.src,
	}, nil
}

// Bytes 读取完整响应体
func (r *Response) Bytes() ([]byte, error) {
	r.mu.Lock()
	if r.used {
		r.mu.Unlock()
		return nil, ErrBodyUsed
	}
	r.used = true
	r.mu.Unlock()
	if r.src == nil {
		return nil, nil
	}
	return r.src.bytes()
}

// Text 以 UTF-8 解码读取响应体，非法字节替换为 U+FFFD
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "�"), nil
}
