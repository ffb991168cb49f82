package codec

import (
	"encoding/xml"
	"strconv"
	"strings"

	"nuvogw/internal/errs"
	"nuvogw/internal/model"
)

// rawElement captures an XML element with arbitrary attributes and children,
// so parsing tolerates attributes this gateway doesn't know about yet.
type rawElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr   `xml:",any,attr"`
	Children []rawElement `xml:",any"`
}

func (e rawElement) attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value, true
		}
	}
	return "", false
}

func (e rawElement) attrMap() map[string]string {
	m := make(map[string]string, len(e.Attrs))
	for _, a := range e.Attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

// parseRoot unmarshals text (one or more lines joined) into a rawElement,
// returning a Framing error on malformed XML.
func parseRoot(text, op string) (rawElement, error) {
	var root rawElement
	if err := xml.Unmarshal([]byte(text), &root); err != nil {
		return rawElement{}, errs.Wrap(errs.Framing, op, "malformed XML", err)
	}
	return root, nil
}

// ParseZones parses a <Zones>...</Zones> block into Zone stubs. Only
// identity and name/power fields come from this listing; volume/mute/source
// are filled in by a subsequent GetStatus call.
func ParseZones(text, op string) ([]model.Zone, error) {
	root, err := parseRoot(text, op)
	if err != nil {
		return nil, err
	}
	if root.XMLName.Local != "Zones" {
		return nil, errs.New(errs.Framing, op, "expected <Zones> root, got <"+root.XMLName.Local+">")
	}
	zones := make([]model.Zone, 0, len(root.Children))
	for _, c := range root.Children {
		z := model.Zone{}
		z.GUID, _ = c.attr("guid")
		z.Name, _ = c.attr("name")
		z.SymbolicID, _ = c.attr("id")
		if v, ok := c.attr("number"); ok {
			z.Number, _ = strconv.Atoi(v)
		} else {
			z.Number = symbolicSuffix(z.SymbolicID)
		}
		if v, ok := c.attr("on"); ok {
			z.IsOn = strings.EqualFold(v, "true") || v == "1"
		}
		zones = append(zones, z)
	}
	return zones, nil
}

// symbolicSuffix extracts the trailing integer from "Zone_<n>".
func symbolicSuffix(id string) int {
	idx := strings.LastIndex(id, "_")
	if idx < 0 || idx == len(id)-1 {
		return 0
	}
	n, _ := strconv.Atoi(id[idx+1:])
	return n
}

// ParseSources parses a <Sources>...</Sources> block into Source stubs.
func ParseSources(text, op string) ([]model.Source, error) {
	root, err := parseRoot(text, op)
	if err != nil {
		return nil, err
	}
	if root.XMLName.Local != "Sources" {
		return nil, errs.New(errs.Framing, op, "expected <Sources> root, got <"+root.XMLName.Local+">")
	}
	sources := make([]model.Source, 0, len(root.Children))
	for _, c := range root.Children {
		s := model.Source{Metadata: map[string]string{}}
		s.GUID, _ = c.attr("guid")
		s.Name, _ = c.attr("name")
		if v, ok := c.attr("number"); ok {
			s.Number, _ = strconv.Atoi(v)
		}
		if v, ok := c.attr("smart"); ok {
			s.Smart = strings.EqualFold(v, "true") || v == "1"
		}
		if v, ok := c.attr("network"); ok {
			s.Network = strings.EqualFold(v, "true") || v == "1"
		}
		if v, ok := c.attr("zonecount"); ok {
			s.ZoneCount, _ = strconv.Atoi(v)
		}
		for k, v := range c.attrMap() {
			switch strings.ToLower(k) {
			case "guid", "name", "number", "smart", "network", "zonecount":
			default:
				s.Metadata[k] = v
			}
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// pickListRootAliases are the XML roots a browse response may use
// (RadioStation, Album, Artist, Title listings all share this shape).
var pickListRootAliases = map[string]model.PickListItemType{
	"RadioStations": "radio_station",
	"Albums":        "album",
	"Artists":       "artist",
	"Titles":        "title",
	"NowPlaying":    "now_playing",
	"PickList":      "item",
}

// ParsePickList parses any of the MCS browse XML shapes into PickListItem
// rows, indexed positionally as they appear in the response; the index is
// only meaningful until the next browse.
func ParsePickList(text, op string) ([]model.PickListItem, error) {
	root, err := parseRoot(text, op)
	if err != nil {
		return nil, err
	}
	itemType, known := pickListRootAliases[root.XMLName.Local]
	if !known {
		itemType = model.PickListItemType(strings.ToLower(root.XMLName.Local))
	}
	items := make([]model.PickListItem, 0, len(root.Children))
	for i, c := range root.Children {
		item := model.PickListItem{Index: i, ItemType: itemType, Metadata: map[string]string{}}
		item.Title, _ = c.attr("title")
		if item.Title == "" {
			item.Title, _ = c.attr("name")
		}
		item.GUID, _ = c.attr("guid")
		for k, v := range c.attrMap() {
			switch strings.ToLower(k) {
			case "title", "name", "guid":
			default:
				item.Metadata[k] = v
			}
		}
		items = append(items, item)
	}
	return items, nil
}
