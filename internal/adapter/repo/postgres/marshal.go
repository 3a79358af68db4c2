package postgres

import (
	"encoding/json"

	"github.com/labelsquor/orchestrator/internal/domain"
)

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func marshalLastError(e *domain.ErrorInfo) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func unmarshalLastError(raw []byte) (*domain.ErrorInfo, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var e domain.ErrorInfo
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalErrorChain(chain []domain.ErrorInfo) ([]byte, error) {
	if chain == nil {
		chain = []domain.ErrorInfo{}
	}
	return json.Marshal(chain)
}
