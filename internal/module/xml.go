package module

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

func init() {
	register("xml", func(worker Worker) interface{} {
		return ParseXml
	})
}

// ParseXml parses markup leniently; element names come back lowercased.
func ParseXml(content string) (*XmlNode, error) {
	d, err := htmlquery.Parse(strings.NewReader(content))
	return (*XmlNode)(d), err
}

type XmlNode html.Node

func (n *XmlNode) Find(expr string) ([]*XmlNode, error) {
	hns, err := htmlquery.QueryAll((*html.Node)(n), strings.ToLower(expr))
	if err != nil {
		return nil, err
	}

	xns := make([]*XmlNode, 0, len(hns))
	for _, d := range hns {
		xns = append(xns, (*XmlNode)(d))
	}
	return xns, nil
}

// FindOne returns nil, not an error, when nothing matches.
func (n *XmlNode) FindOne(expr string) (interface{}, error) {
	d, err := htmlquery.Query((*html.Node)(n), strings.ToLower(expr))
	if err != nil || d == nil {
		return nil, err
	}
	return (*XmlNode)(d), nil
}

func (n *XmlNode) Name() string {
	return n.Data
}

func (n *XmlNode) Attribute(name string) string {
	return htmlquery.SelectAttr((*html.Node)(n), name)
}

func (n *XmlNode) InnerText() string {
	return htmlquery.InnerText((*html.Node)(n))
}

func (n *XmlNode) ToString() string {
	return htmlquery.OutputHTML((*html.Node)(n), true)
}

// ToObject folds an element into plain data: a leaf becomes its trimmed
// text, otherwise child elements are keyed by name and repeated names
// collect into a list. Attributes go under "@name".
func (n *XmlNode) ToObject() interface{} {
	node := (*html.Node)(n)
	if node.Type == html.DocumentNode {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				return (*XmlNode)(c).ToObject()
			}
		}
		return nil
	}

	obj := make(map[string]interface{})
	for _, a := range node.Attr {
		obj["@"+a.Key] = a.Val
	}
	hasElements := false
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		hasElements = true
		v := (*XmlNode)(c).ToObject()
		switch prev := obj[c.Data].(type) {
		case nil:
			obj[c.Data] = v
		case []interface{}:
			obj[c.Data] = append(prev, v)
		default:
			obj[c.Data] = []interface{}{prev, v}
		}
	}
	if !hasElements && len(node.Attr) == 0 {
		return strings.TrimSpace(n.InnerText())
	}
	return obj
}
