package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"puenjai/internal/usecase"
)

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func newTestLambda(t *testing.T, uc ConsoleUseCase) *LambdaHandler {
	t.Helper()
	l, err := NewLambdaHandler(newTestRouter(t, uc))
	require.NoError(t, err)
	return l
}

func TestNewLambdaHandler_ValidatesDependency(t *testing.T) {
	_, err := NewLambdaHandler(nil)
	require.Error(t, err)
}

func TestLambda_Console(t *testing.T) {
	uc := &stubUseCase{out: usecase.ConverseOutput{Reply: "hello"}}
	l := newTestLambda(t, uc)

	resp, err := l.Handle(context.Background(), makeEvent(http.MethodPost, "/api/console", `{"name":"Ana","message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ConverseInput{Name: "Ana", Message: "hi"}, uc.in)
	require.Equal(t, "hello", parseBody[consoleResponse](t, resp.Body).Reply)
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestLambda_Base64Body(t *testing.T) {
	uc := &stubUseCase{out: usecase.ConverseOutput{Reply: "ok"}}
	l := newTestLambda(t, uc)

	event := makeEvent(http.MethodPost, "/api/console", base64.StdEncoding.EncodeToString([]byte(`{"name":"Ken","message":"สวัสดี"}`)))
	event.IsBase64Encoded = true
	resp, err := l.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "สวัสดี", uc.in.Message)

	event.Body = "%%%"
	_, err = l.Handle(context.Background(), event)
	require.Error(t, err)
}

func TestLambda_InvalidBody(t *testing.T) {
	l := newTestLambda(t, &stubUseCase{})

	resp, err := l.Handle(context.Background(), makeEvent(http.MethodPost, "/api/console", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, msgInvalidBody, parseBody[errorResponse](t, resp.Body).Error)
}

func TestLambda_NotFoundAndOptions(t *testing.T) {
	l := newTestLambda(t, &stubUseCase{})

	resp, err := l.Handle(context.Background(), makeEvent(http.MethodGet, "/ask", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = l.Handle(context.Background(), makeEvent(http.MethodOptions, "/api/history", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, resp.Body)
}

func TestLambda_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	l := newTestLambda(t, &stubUseCase{})

	event := makeEvent(http.MethodGet, "/api/history", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := l.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
	require.Equal(t, []string{"corr-123"}, resp.MultiValueHeaders["X-Correlation-Id"])
}

func TestToHTTPRequest_QueryAndHeaders(t *testing.T) {
	event := events.APIGatewayProxyRequest{
		HTTPMethod:                      "get",
		Path:                            "/api/history",
		QueryStringParameters:           map[string]string{"single": "1", "multi": "ignored"},
		MultiValueQueryStringParameters: map[string][]string{"multi": {"a", "b"}},
		MultiValueHeaders:               map[string][]string{"Accept": {"application/json", "text/plain"}},
		Headers:                         map[string]string{"Accept": "ignored", "X-Extra": "yes"},
	}
	event.RequestContext.Identity.SourceIP = "203.0.113.7"

	req, err := toHTTPRequest(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/api/history", req.URL.Path)
	require.Equal(t, "1", req.URL.Query().Get("single"))
	require.Equal(t, []string{"a", "b"}, req.URL.Query()["multi"])
	require.Equal(t, []string{"application/json", "text/plain"}, req.Header.Values("Accept"))
	require.Equal(t, "yes", req.Header.Get("X-Extra"))
	require.Equal(t, "203.0.113.7", req.RemoteAddr)
}
