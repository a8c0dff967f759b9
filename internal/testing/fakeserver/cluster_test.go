package fakeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

func send(t *testing.T, c *Cluster, method, path string, body interface{}, header http.Header) *transport.Response {
	t.Helper()
	req := &transport.Request{Method: method, URL: c.URL("A") + path, Header: header}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req.Body = data
	}
	resp, err := c.Transport().Do(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestCluster_GetDocumentsWithIncludes(t *testing.T) {
	c := New("shop", "A")
	c.PutDocument("companies/1", "Companies", map[string]interface{}{"Name": "Acme"})
	c.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann", "CompanyID": "companies/1"})

	resp := send(t, c, http.MethodGet, "/databases/shop/docs?id=users/1&include=CompanyID", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get(transport.HeaderETag)
	assert.NotEmpty(t, etag)

	var out struct {
		Results  []map[string]interface{}
		Includes map[string]map[string]interface{}
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "Ann", out.Results[0]["Name"])
	assert.Equal(t, "Acme", out.Includes["companies/1"]["Name"])

	header := make(http.Header)
	header.Set(transport.HeaderIfNoneMatch, etag)
	resp = send(t, c, http.MethodGet, "/databases/shop/docs?id=users/1&include=CompanyID", nil, header)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = send(t, c, http.MethodGet, "/databases/shop/docs?id=users/404", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, resp.Body)
}

func TestCluster_BatchConcurrencyIsAtomic(t *testing.T) {
	c := New("shop", "A")
	cv := c.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	stale := "A:0-xyz"

	resp := send(t, c, http.MethodPost, "/databases/shop/bulk_docs", map[string]interface{}{
		"Commands": []map[string]interface{}{
			{"Id": "users/2", "Type": "PUT", "Document": map[string]interface{}{"Name": "Bob"}},
			{"Id": "users/1", "Type": "PUT", "ChangeVector": stale, "Document": map[string]interface{}{"Name": "Ann2"}},
		},
		"TransactionMode": "SingleNode",
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var failure map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &failure))
	assert.Equal(t, "ConcurrencyException", failure["Type"])
	assert.Equal(t, cv, failure["ActualChangeVector"])
	assert.Equal(t, []string{"users/1"}, c.DocumentIDs())

	resp = send(t, c, http.MethodPost, "/databases/shop/bulk_docs", map[string]interface{}{
		"Commands": []map[string]interface{}{
			{"Id": "users/1", "Type": "PUT", "ChangeVector": cv, "Document": map[string]interface{}{"Name": "Ann2"}},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body, newCV, ok := c.Document("users/1")
	require.True(t, ok)
	assert.Equal(t, "Ann2", body["Name"])
	assert.NotEqual(t, cv, newCV)
}

func TestCluster_PatchAndClusterWideGuards(t *testing.T) {
	c := New("shop", "A")
	c.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann", "Age": 30})

	resp := send(t, c, http.MethodPost, "/databases/shop/bulk_docs", map[string]interface{}{
		"Commands": []map[string]interface{}{
			{"Id": "users/1", "Type": "PATCH", "Patch": []map[string]interface{}{{"op": "replace", "path": "/Age", "value": 31}}},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body, _, _ := c.Document("users/1")
	assert.Equal(t, json.Number("31"), body["Age"])

	guard := map[string]interface{}{
		"Commands": []map[string]interface{}{
			{"Id": "users/2", "Type": "PUT", "Document": map[string]interface{}{"Name": "Bob"}},
			{"Key": model.AtomicGuardPrefix + "users/2", "Type": "CompareExchangePUT", "Index": 0, "Document": map[string]interface{}{"Id": "users/2"}},
		},
		"TransactionMode": "ClusterWide",
	}
	resp = send(t, c, http.MethodPost, "/databases/shop/bulk_docs", guard, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_, cv, _ := c.Document("users/2")
	assert.Contains(t, cv, model.ClusterTransactionTag+":1-")

	resp = send(t, c, http.MethodPost, "/databases/shop/bulk_docs", guard, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var failure map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &failure))
	assert.Equal(t, "ClusterTransactionConcurrencyException", failure["Type"])
}

func TestCluster_CompareExchangeAndHiLo(t *testing.T) {
	c := New("shop", "A")

	resp := send(t, c, http.MethodPut, "/databases/shop/cmpxchg?key=emails/ann&index=0", "users/1", nil)
	var put model.CompareExchangeResult
	require.NoError(t, json.Unmarshal(resp.Body, &put))
	assert.True(t, put.Successful)

	resp = send(t, c, http.MethodPut, "/databases/shop/cmpxchg?key=emails/ann&index=0", "users/2", nil)
	var second model.CompareExchangeResult
	require.NoError(t, json.Unmarshal(resp.Body, &second))
	assert.False(t, second.Successful)
	assert.Equal(t, put.Index, second.Index)
	assert.JSONEq(t, `"users/1"`, string(second.Value))

	resp = send(t, c, http.MethodGet, "/databases/shop/hilo/next?tag=users&identityPartsSeparator=/", nil, nil)
	var hilo map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &hilo))
	assert.Equal(t, "users/", hilo["Prefix"])
	assert.Equal(t, float64(1), hilo["Low"])
	assert.Equal(t, "A", hilo["ServerTag"])
}

func TestCluster_QueryAndMissingIndex(t *testing.T) {
	c := New("shop", "A")
	c.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	c.PutDocument("users/2", "Users", map[string]interface{}{"Name": "Bob"})
	c.PutDocument("orders/1", "Orders", map[string]interface{}{"Total": 10})

	resp := send(t, c, http.MethodPost, "/databases/shop/queries", map[string]interface{}{
		"Query":           "from Users where Name = $name",
		"QueryParameters": map[string]interface{}{"name": "Bob"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Results      []map[string]interface{}
		TotalResults int
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, 1, out.TotalResults)

	resp = send(t, c, http.MethodPost, "/databases/shop/queries", map[string]interface{}{"Query": "from index 'Users/ByName'"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCluster_NodeDownRefusesConnections(t *testing.T) {
	c := New("shop", "A", "B")
	c.SetNodeDown("A", true)
	_, err := c.Transport().Do(context.Background(), &transport.Request{
		Method: http.MethodGet,
		URL:    c.URL("A") + "/topology?name=shop",
		Header: make(http.Header),
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.RequestsTo("A"))
}

func readMessage(t *testing.T, s transport.Stream) model.SubscriptionMessage {
	t.Helper()
	for {
		data, err := s.Read()
		require.NoError(t, err)
		var msg model.SubscriptionMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type != model.SubscriptionMessageHeartbeat {
			return msg
		}
	}
}

func writeMessage(t *testing.T, s transport.Stream, msg model.SubscriptionMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, s.Write(data))
}

func TestCluster_SubscriptionStream(t *testing.T) {
	c := New("shop", "A", "B")
	c.SetHeartbeatInterval(10 * time.Millisecond)
	c.PutDocument("users/1", "Users", map[string]interface{}{"Name": "Ann"})
	send(t, c, http.MethodPut, "/databases/shop/subscriptions", model.SubscriptionCreationOptions{Name: "users", Query: "from Users"}, nil)

	redirected, err := c.Dialer().Dial(context.Background(), c.URL("B")+"/databases/shop/subscriptions/connect", nil)
	require.NoError(t, err)
	writeMessage(t, redirected, model.SubscriptionMessage{Type: model.SubscriptionMessageConnect, Name: "users"})
	msg := readMessage(t, redirected)
	assert.Equal(t, model.SubscriptionStatusRedirect, msg.Status)
	assert.Equal(t, "A", msg.RedirectedTag)

	stream, err := c.Dialer().Dial(context.Background(), c.URL("A")+"/databases/shop/subscriptions/connect", nil)
	require.NoError(t, err)
	defer stream.Close()
	writeMessage(t, stream, model.SubscriptionMessage{Type: model.SubscriptionMessageConnect, Name: "users"})
	assert.Equal(t, model.SubscriptionStatusAccepted, readMessage(t, stream).Status)

	data := readMessage(t, stream)
	require.Equal(t, model.SubscriptionMessageData, data.Type)
	assert.Equal(t, model.SubscriptionMessageEndOfBatch, readMessage(t, stream).Type)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data.Data, &doc))
	cv := doc[model.MetadataKey].(map[string]interface{})[model.MetadataChangeVector].(string)
	writeMessage(t, stream, model.SubscriptionMessage{Type: model.SubscriptionMessageAcknowledge, ChangeVector: cv})
	assert.Equal(t, model.SubscriptionMessageConfirm, readMessage(t, stream).Type)

	state, ok := c.SubscriptionState("users")
	require.True(t, ok)
	assert.Equal(t, cv, state.ChangeVectorForNextBatchStartingPoint)

	second, err := c.Dialer().Dial(context.Background(), c.URL("A")+"/databases/shop/subscriptions/connect", nil)
	require.NoError(t, err)
	writeMessage(t, second, model.SubscriptionMessage{Type: model.SubscriptionMessageConnect, Name: "users"})
	assert.Equal(t, model.SubscriptionStatusInUse, readMessage(t, second).Status)
	assert.Equal(t, 1, c.Connections("users"))
}
