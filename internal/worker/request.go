package worker

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Destination 是请求用途的封闭枚举。
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationOther    Destination = "other"
)

// PendingRequest 表示一次被拦截的请求，只存在于请求生命周期内。
type PendingRequest struct {
	Method      string
	URL         string
	Destination Destination
	Header      http.Header
	Body        []byte
}

// NewPendingRequest 构造请求并完成 destination 分类。
func NewPendingRequest(method, rawURL string, header http.Header, body []byte) *PendingRequest {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	return &PendingRequest{
		Method:      method,
		URL:         rawURL,
		Destination: Classify(rawURL, header),
		Header:      header,
		Body:        body,
	}
}

// Classify 依次参考 Sec-Fetch-Dest、导航模式/Accept 头与文件扩展名判定请求用途。
func Classify(rawURL string, header http.Header) Destination {
	if header != nil {
		if dest, ok := fromFetchDest(header.Get("Sec-Fetch-Dest")); ok {
			return dest
		}
		if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
			return DestinationDocument
		}
		if acceptsHTML(header.Get("Accept")) {
			return DestinationDocument
		}
	}
	return fromExtension(rawURL)
}

func fromFetchDest(value string) (Destination, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return "", false
	case "document", "iframe", "frame":
		return DestinationDocument, true
	case "image":
		return DestinationImage, true
	case "font":
		return DestinationFont, true
	case "script", "worker", "sharedworker", "serviceworker":
		return DestinationScript, true
	case "style":
		return DestinationStyle, true
	case "empty":
		// fetch()/XHR 不声明用途，交给 Accept 与扩展名判断
		return "", false
	default:
		return DestinationOther, true
	}
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, "text/html") {
			return true
		}
	}
	return false
}

func fromExtension(rawURL string) Destination {
	p := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		p = parsed.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".html", ".htm":
		return DestinationDocument
	case ".js", ".mjs":
		return DestinationScript
	case ".css":
		return DestinationStyle
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico", ".bmp":
		return DestinationImage
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return DestinationFont
	default:
		return DestinationOther
	}
}
