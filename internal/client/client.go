// Package client 是 master HTTP 接口的 Go 客户端
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"regent/pkg/model"
)

// ErrResultPending 等待结果超时，作业仍在运行
var ErrResultPending = errors.New("client: job result not ready")

// APIError 服务端返回的错误
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsNotLeader 对方不是领导者或者暂时没有领导者，可以换一个地址重试
func IsNotLeader(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable
}

type Client struct {
	base string
	http *http.Client
}

// New baseURL 可以省略 scheme，默认 http
func New(baseURL string, hc *http.Client) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) UploadArtifact(ctx context.Context, jobID string, data []byte) (string, error) {
	var resp struct {
		Key string `json:"key"`
	}
	path := "/v1/artifacts/" + url.PathEscape(jobID)
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/octet-stream", &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

// Submit 返回作业 ID，desc.ID 为空时由服务端生成
func (c *Client) Submit(ctx context.Context, desc *model.JobDescriptor) (string, error) {
	body, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", bytes.NewReader(body), "application/json", &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, "", nil)
}

// Result 最多等待 timeout，作业未结束时返回 ErrResultPending
func (c *Client) Result(ctx context.Context, jobID string, timeout time.Duration) (*model.JobResult, error) {
	path := fmt.Sprintf("/v1/jobs/%s/result?timeout=%s", url.PathEscape(jobID), url.QueryEscape(timeout.String()))
	var res model.JobResult
	if err := c.do(ctx, http.MethodGet, path, nil, "", &res); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusAccepted {
			return nil, ErrResultPending
		}
		return nil, err
	}
	return &res, nil
}

func (c *Client) List(ctx context.Context) ([]model.JobStatus, error) {
	var jobs []model.JobStatus
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, "", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) Logs(ctx context.Context, jobID string) (string, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/logs", nil, "", &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// do 发送请求；out 为 *bytes.Buffer 时原样拷贝响应体，否则按 JSON 解码
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 202 + 错误体表示结果未就绪；DELETE 的 202 没有响应体
	if resp.StatusCode >= http.StatusBadRequest || (resp.StatusCode == http.StatusAccepted && out != nil) {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if buf, ok := out.(*bytes.Buffer); ok {
		_, err := io.Copy(buf, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
