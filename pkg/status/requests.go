package status

/*
This file contains requests that can be made against a status server from any client.
*/

import (
	"context"
	"fmt"
	"strings"

	"resty.dev/v3"
)

// Fetch spawns a resty client and uses it to request the status report of the server at baseURL.
//
// baseURL should be of the form "http://<ip>:<port>"
func Fetch(ctx context.Context, baseURL string) (*resty.Response, Report, error) {
	cli := resty.New()
	defer cli.Close()

	var rep Report
	res, err := cli.R().
		SetContext(ctx).
		SetExpectResponseContentType(ContentType).
		SetResult(&rep).
		Get(strings.TrimSuffix(baseURL, "/") + EPStatus)
	if err != nil {
		return res, rep, err
	} else if res.IsError() {
		return res, rep, fmt.Errorf("status request failed: %s", res.Status())
	}
	return res, rep, nil
}

// Multicast asks the server at baseURL to send payload to its discovery group.
func Multicast(ctx context.Context, baseURL string, payload []byte) (*resty.Response, error) {
	cli := resty.New()
	defer cli.Close()

	req := MulticastReq{}
	req.Body.Payload = payload
	res, err := cli.R().
		SetContext(ctx).
		SetHeader("Content-Type", ContentType).
		SetBody(req.Body).
		Post(strings.TrimSuffix(baseURL, "/") + EPMulticast)
	if err != nil {
		return res, err
	} else if res.IsError() {
		return res, fmt.Errorf("multicast request failed: %s", res.Status())
	}
	return res, nil
}
