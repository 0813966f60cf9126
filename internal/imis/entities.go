package imis

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// FetchQueryPage runs one page of a saved analytical query.
func (c *Client) FetchQueryPage(ctx context.Context, queryPath string, offset, limit int) (*Page, error) {
	query := url.Values{
		"QueryName": {queryPath},
		"Limit":     {strconv.Itoa(limit)},
		"Offset":    {strconv.Itoa(offset)},
	}

	data, err := c.get(ctx, "/api/iqa", query)
	if err != nil {
		return nil, err
	}
	return decodePage(c.env.APIVersion, c.endpoint("/api/iqa", nil), data, offset)
}

// FetchDatasourcePage reads one page of a raw business-object feed.
func (c *Client) FetchDatasourcePage(ctx context.Context, boName string, offset, limit int) (*Page, error) {
	query := url.Values{
		"Limit":  {strconv.Itoa(limit)},
		"Offset": {strconv.Itoa(offset)},
	}

	path := "/api/" + url.PathEscape(boName)
	data, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return decodePage(c.env.APIVersion, c.endpoint(path, nil), data, offset)
}

// DescribeQuery fetches a saved query's metadata, synthesizing the display
// name when the legacy generation omits it.
func (c *Client) DescribeQuery(ctx context.Context, queryPath string) (*QueryInfo, error) {
	query := url.Values{"Path": {queryPath}}

	data, err := c.get(ctx, "/api/query", query)
	if err != nil {
		return nil, err
	}
	return decodeQueryInfo(c.endpoint("/api/query", nil), queryPath, data)
}

// InsertEntity creates one destination record and returns the recorded
// identity as JSON plus the identity element names.
func (c *Client) InsertEntity(ctx context.Context, entity string, fields map[string]any) (string, []string, error) {
	path := "/api/" + url.PathEscape(entity)
	body := buildEntityBody(c.env.APIVersion, entity, fields)

	data, err := c.post(ctx, path, body)
	if err != nil {
		return "", nil, err
	}

	identity, names := ExtractIdentity(data)
	return identity, names, nil
}

// FetchEntityProperties samples the destination entity and returns its
// property names, used by pre-flight mapping validation. An empty feed
// yields no names; validation treats that as unverifiable rather than wrong.
func (c *Client) FetchEntityProperties(ctx context.Context, entity string) ([]string, error) {
	page, err := c.FetchDatasourcePage(ctx, entity, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(page.Rows) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(page.Rows[0]))
	for name := range page.Rows[0] {
		names = append(names, name)
	}
	return names, nil
}

// ValidateMapping checks that every mapped destination property exists on
// the destination entity. Returns the offending properties.
func (c *Client) ValidateMapping(ctx context.Context, entity string, destProperties []string) ([]string, error) {
	known, err := c.FetchEntityProperties(ctx, entity)
	if err != nil {
		return nil, err
	}
	if known == nil {
		return nil, nil
	}

	set := make(map[string]bool, len(known))
	for _, name := range known {
		set[name] = true
	}

	var unknown []string
	for _, name := range destProperties {
		if !set[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return unknown, fmt.Errorf("destination entity %s has no properties: %v", entity, unknown)
	}
	return nil, nil
}
