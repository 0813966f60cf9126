package imis

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"imigrate/internal/models"
)

// Page is the canonical extraction page, identical for both API generations
// and both source kinds.
type Page struct {
	Rows       []map[string]any
	Offset     int
	TotalCount int
	HasNext    bool
}

// QueryInfo describes a saved analytical query.
type QueryInfo struct {
	Path string
	Name string
}

// decodePage normalizes a paged response into canonical rows.
func decodePage(version models.APIVersion, endpoint string, data []byte, offset int) (*Page, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &SchemaError{Endpoint: endpoint, Diagnostic: fmt.Sprintf("body is not a JSON object: %v", err)}
	}

	itemsRaw, ok := obj["Items"]
	if !ok {
		return nil, &SchemaError{Endpoint: endpoint, Diagnostic: "missing Items collection"}
	}
	items, ok := unwrapValues(itemsRaw)
	if !ok {
		return nil, &SchemaError{Endpoint: endpoint, Diagnostic: "Items is neither an array nor a $values wrapper"}
	}

	total, ok := intField(obj, "TotalCount")
	if !ok {
		// The legacy generation reports only the page count on some feeds.
		if total, ok = intField(obj, "Count"); !ok {
			return nil, &SchemaError{Endpoint: endpoint, Diagnostic: "missing TotalCount"}
		}
	}

	page := &Page{
		Offset:     offset,
		TotalCount: total,
		Rows:       make([]map[string]any, 0, len(items)),
	}

	for i, item := range items {
		row, err := normalizeRow(item)
		if err != nil {
			return nil, &SchemaError{Endpoint: endpoint, Diagnostic: fmt.Sprintf("item %d: %v", i, err)}
		}
		page.Rows = append(page.Rows, row)
	}

	if hasNext, ok := obj["HasNext"].(bool); ok {
		page.HasNext = hasNext
	} else {
		// Synthesized for the legacy shape, which omits the flag.
		page.HasNext = offset+len(page.Rows) < total
	}
	return page, nil
}

// normalizeRow flattens one extracted item into field name → value.
// Entity-shaped items carry a Properties collection; raw feed items are
// plain objects.
func normalizeRow(item any) (map[string]any, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("item is not an object")
	}

	if propsRaw, ok := obj["Properties"]; ok {
		props, ok := unwrapValues(propsRaw)
		if !ok {
			return nil, fmt.Errorf("Properties is neither an array nor a $values wrapper")
		}
		row := make(map[string]any, len(props))
		for _, p := range props {
			prop, ok := p.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property entry is not an object")
			}
			name, ok := prop["Name"].(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("property entry has no Name")
			}
			row[name] = unwrapValue(prop["Value"])
		}
		return row, nil
	}

	row := make(map[string]any, len(obj))
	for k, v := range obj {
		if strings.HasPrefix(k, "$") {
			continue
		}
		row[k] = unwrapValue(v)
	}
	return row, nil
}

// unwrapValue collapses legacy typed-value envelopes {$type,$value} into the
// bare value, recursively. Binary blobs keep their envelope: downstream code
// needs the type tag to round-trip them.
func unwrapValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		typeTag, hasType := val["$type"].(string)
		inner, hasValue := val["$value"]
		if hasType && hasValue {
			if strings.Contains(typeTag, "Binary") || strings.Contains(typeTag, "Byte[]") {
				return val
			}
			return unwrapValue(inner)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = unwrapValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = unwrapValue(item)
		}
		return out
	default:
		return v
	}
}

// unwrapValues accepts either a bare JSON array or the {$values:[...]}
// wrapper the newer generation emits for collections.
func unwrapValues(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case map[string]any:
		if inner, ok := val["$values"].([]any); ok {
			return inner, true
		}
	case nil:
		return nil, true
	}
	return nil, false
}

func intField(obj map[string]any, key string) (int, bool) {
	if f, ok := obj[key].(float64); ok {
		return int(f), true
	}
	return 0, false
}

// decodeQueryInfo normalizes a query description. The legacy generation
// omits the display name, so it is synthesized from the last path segment.
func decodeQueryInfo(endpoint, queryPath string, data []byte) (*QueryInfo, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &SchemaError{Endpoint: endpoint, Diagnostic: fmt.Sprintf("body is not a JSON object: %v", err)}
	}

	info := &QueryInfo{Path: queryPath}
	if name, ok := unwrapValue(obj["Name"]).(string); ok && name != "" {
		info.Name = name
	} else {
		info.Name = path.Base(strings.ReplaceAll(queryPath, "\\", "/"))
	}
	return info, nil
}

// buildEntityBody assembles the insert payload for a destination entity.
// The newer generation requires $type annotations; the legacy one rejects
// unknown members, so it gets the bare shape.
func buildEntityBody(version models.APIVersion, entity string, fields map[string]any) map[string]any {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	props := make([]any, 0, len(names))
	for _, name := range names {
		prop := map[string]any{"Name": name, "Value": fields[name]}
		if version == models.APIVersionV2 {
			prop["$type"] = "Asi.Soa.Core.DataContracts.GenericPropertyData, Asi.Contracts"
		}
		props = append(props, prop)
	}

	properties := map[string]any{"$values": props}
	body := map[string]any{
		"EntityTypeName": entity,
		"Properties":     properties,
	}
	if version == models.APIVersionV2 {
		body["$type"] = "Asi.Soa.Core.DataContracts.GenericEntityData, Asi.Contracts"
		properties["$type"] = "Asi.Soa.Core.DataContracts.GenericPropertyDataCollection, Asi.Contracts"
	}
	return body
}

// Identity is the destination-assigned primary key from a successful insert.
type Identity struct {
	EntityTypeName string `json:"entity_type_name,omitempty"`
	Elements       []any  `json:"elements"`
}

// ExtractIdentity pulls identity elements out of an insert response. The
// shape is destination-defined; a response without a recognizable identity
// yields an empty result, not an error.
func ExtractIdentity(data []byte) (string, []string) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil
	}

	identityRaw, ok := obj["Identity"].(map[string]any)
	if !ok {
		// Some destinations answer with the inserted entity itself.
		if row, err := normalizeRow(any(obj)); err == nil {
			for _, key := range []string{"ID", "Id", "id"} {
				if v, ok := row[key]; ok {
					return encodeIdentity(Identity{Elements: []any{v}}), []string{key}
				}
			}
		}
		return "", nil
	}

	identity := Identity{}
	if etn, ok := identityRaw["EntityTypeName"].(string); ok {
		identity.EntityTypeName = etn
	}

	elems, ok := unwrapValues(identityRaw["IdentityElements"])
	if !ok || len(elems) == 0 {
		return "", nil
	}

	names := make([]string, 0, len(elems))
	for i, e := range elems {
		unwrapped := unwrapValue(e)
		if m, ok := unwrapped.(map[string]any); ok {
			if name, ok := m["Name"].(string); ok {
				names = append(names, name)
				identity.Elements = append(identity.Elements, m["Value"])
				continue
			}
		}
		names = append(names, fmt.Sprintf("IdentityElement%d", i))
		identity.Elements = append(identity.Elements, unwrapped)
	}
	return encodeIdentity(identity), names
}

func encodeIdentity(identity Identity) string {
	data, err := json.Marshal(identity)
	if err != nil {
		return ""
	}
	return string(data)
}
