package source

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/pivox-go/pivox/internal/proxytype"
)

// NewHTMLTableAdapter builds an adapter for sites that publish a proxy
// list as an HTML <table> with IP/Port/Country/Anonymity/Https columns
// (the free-proxy-list.net layout).
func NewHTMLTableAdapter(name, url string, log *slog.Logger) Adapter {
	return newHTTPAdapter(name, url, parseHTMLTable, log)
}

func parseHTMLTable(body []byte) []proxytype.Proxy {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return parseHTMLTextFallback(body)
	}

	out := parseHTMLTableRows(doc)
	if len(out) == 0 {
		return parseHTMLTextFallback(body)
	}
	return out
}

func parseHTMLTableRows(doc *goquery.Document) []proxytype.Proxy {
	var out []proxytype.Proxy
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 5 {
			return
		}

		host := strings.TrimSpace(cells.Eq(0).Text())
		portText := strings.TrimSpace(cells.Eq(1).Text())
		port, err := strconv.Atoi(portText)
		if err != nil || port < 1 || port > 65535 {
			return
		}
		if _, _, ok := parseHostPort(host + ":" + portText); !ok {
			return
		}

		country := strings.TrimSpace(cells.Eq(2).Text())
		anonymityText := strings.ToLower(strings.TrimSpace(cells.Eq(4).Text()))
		httpsText := strings.ToLower(strings.TrimSpace(cells.Eq(6).Text()))

		transport := proxytype.HTTP
		if httpsText == "yes" {
			transport = proxytype.HTTPS
		}

		out = append(out, proxytype.Proxy{
			Host:      host,
			Port:      port,
			Transport: transport,
			Metadata: proxytype.Metadata{
				Country:   country,
				Anonymity: anonymityFromText(anonymityText),
			},
		})
	})
	return out
}

var hostPortPattern = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{1,5})\b`)

// parseHTMLTextFallback defensively recovers host:port pairs from a page
// goquery's table selector couldn't make sense of, tokenizing with
// golang.org/x/net/html and scanning text nodes for ip:port patterns.
func parseHTMLTextFallback(body []byte) []proxytype.Proxy {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	var out []proxytype.Proxy
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, match := range hostPortPattern.FindAllStringSubmatch(n.Data, -1) {
				host, port, ok := parseHostPort(match[1] + ":" + match[2])
				if !ok {
					continue
				}
				out = append(out, proxytype.Proxy{Host: host, Port: port, Transport: proxytype.HTTP})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return dedup(out)
}

func anonymityFromText(text string) proxytype.Anonymity {
	switch {
	case strings.Contains(text, "elite"):
		return proxytype.Elite
	case strings.Contains(text, "anonymous"):
		return proxytype.Anonymous
	default:
		return proxytype.Transparent
	}
}
