package fakeserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/model"
)

const hiloCapacity = 32

func (c *Cluster) compareExchangeLocked(method string, q url.Values, body []byte) response {
	key := q.Get("key")
	lower := strings.ToLower(key)
	current, exists := c.cmpxchg[lower]

	switch method {
	case http.MethodGet:
		if !exists {
			return response{status: http.StatusNotFound}
		}
		return jsonResponse(http.StatusOK, map[string]interface{}{
			"Results": []model.CompareExchangeValue{{Key: current.key, Index: current.index, Value: current.value}},
		})

	case http.MethodPut, http.MethodDelete:
		index, err := strconv.ParseInt(q.Get("index"), 10, 64)
		if err != nil {
			return errorResponse(http.StatusBadRequest, "BadRequestException", "invalid index", nil)
		}
		actual := int64(0)
		var value json.RawMessage
		if exists {
			actual, value = current.index, current.value
		}
		if actual != index || (method == http.MethodDelete && !exists) {
			return jsonResponse(http.StatusOK, model.CompareExchangeResult{Index: actual, Value: value})
		}
		c.raftIndex++
		if method == http.MethodDelete {
			delete(c.cmpxchg, lower)
			return jsonResponse(http.StatusOK, model.CompareExchangeResult{Successful: true, Index: c.raftIndex, Value: value})
		}
		c.cmpxchg[lower] = &cmpxchgEntry{key: key, index: c.raftIndex, value: append(json.RawMessage(nil), body...)}
		return jsonResponse(http.StatusOK, model.CompareExchangeResult{Successful: true, Index: c.raftIndex, Value: body})
	}
	return errorResponse(http.StatusMethodNotAllowed, "BadRequestException", "unsupported method "+method, nil)
}

func (c *Cluster) nextHiLoLocked(tag string, q url.Values) response {
	collection := q.Get("tag")
	if collection == "" {
		return errorResponse(http.StatusBadRequest, "BadRequestException", "tag is required", nil)
	}
	separator := q.Get("identityPartsSeparator")
	if separator == "" {
		separator = "/"
	}
	key := strings.ToLower(collection)
	low := c.hilo[key] + 1
	high := c.hilo[key] + hiloCapacity
	c.hilo[key] = high
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"Prefix":    collection + separator,
		"Low":       low,
		"High":      high,
		"LastSize":  hiloCapacity,
		"ServerTag": tag,
	})
}
