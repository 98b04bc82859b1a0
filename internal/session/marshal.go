package session

import "encoding/json"

func marshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalOrder(payload string) (orderRequest, error) {
	var req orderRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return orderRequest{}, err
	}
	return req, nil
}
