package router

import (
	"context"
	"errors"
	"testing"

	"swarm/core"
	"swarm/protocol"
)

func node(id, model string, status protocol.Status, load int) core.NodeView {
	return core.NodeView{
		ID:     id,
		Status: status,
		Config: protocol.ConfigMessage{Model: protocol.ModelInfo{ID: model}},
		Load:   load,
	}
}

func TestLeastLoadedRouter_Select(t *testing.T) {
	tests := []struct {
		name         string
		defaultModel string
		nodes        []core.NodeView
		model        string
		expectedID   string
		description  string
	}{
		{
			name: "最少任务优先",
			nodes: []core.NodeView{
				node("a", "llama-8b", protocol.StatusOnline, 3),
				node("b", "llama-8b", protocol.StatusOnline, 1),
				node("c", "llama-8b", protocol.StatusOnline, 2),
			},
			model:       "llama-8b",
			expectedID:  "b",
			description: "b has the fewest sessions",
		},
		{
			name: "负载相同-先注册者胜出",
			nodes: []core.NodeView{
				node("a", "llama-8b", protocol.StatusOnline, 2),
				node("b", "llama-8b", protocol.StatusOnline, 1),
				node("c", "llama-8b", protocol.StatusOnline, 1),
			},
			model:       "llama-8b",
			expectedID:  "b",
			description: "tie between b and c goes to b",
		},
		{
			name: "离线和未知节点被过滤",
			nodes: []core.NodeView{
				node("a", "llama-8b", protocol.StatusOffline, 0),
				node("b", "llama-8b", protocol.StatusUnknown, 0),
				node("c", "llama-8b", protocol.StatusOnline, 7),
			},
			model:       "llama-8b",
			expectedID:  "c",
			description: "only c is online",
		},
		{
			name: "模型不匹配被过滤",
			nodes: []core.NodeView{
				node("a", "qwen-110b", protocol.StatusOnline, 0),
				node("b", "llama-8b", protocol.StatusOnline, 5),
				node("c", "", protocol.StatusOnline, 0),
			},
			model:       "llama-8b",
			expectedID:  "b",
			description: "a serves another model, c has no config",
		},
		{
			name:         "未指定模型-使用默认模型",
			defaultModel: "qwen-110b",
			nodes: []core.NodeView{
				node("a", "llama-8b", protocol.StatusOnline, 0),
				node("b", "qwen-110b", protocol.StatusOnline, 4),
				node("c", "qwen-110b", protocol.StatusOnline, 2),
			},
			model:       "",
			expectedID:  "c",
			description: "empty model binds to the default model",
		},
		{
			name:         "未指定模型且无默认模型",
			defaultModel: "",
			nodes: []core.NodeView{
				node("a", "llama-8b", protocol.StatusOnline, 0),
			},
			model:       "",
			expectedID:  "",
			description: "no model and no default selects nothing",
		},
		{
			name: "无可用节点",
			nodes: []core.NodeView{
				node("a", "llama-8b", protocol.StatusOffline, 0),
			},
			model:       "llama-8b",
			expectedID:  "",
			description: "no online node",
		},
		{
			name:        "空注册表",
			nodes:       nil,
			model:       "llama-8b",
			expectedID:  "",
			description: "registry is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewLeastLoadedRouter(tt.defaultModel)
			req := &core.InferenceRequest{Key: "k", Model: tt.model}

			selected, err := router.Select(context.Background(), tt.nodes, req)

			if tt.expectedID == "" {
				if !errors.Is(err, core.ErrNoAvailableNode) {
					t.Errorf("%s: expected ErrNoAvailableNode, got %v", tt.description, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s: Select() error = %v", tt.description, err)
			}
			if selected.ID != tt.expectedID {
				t.Errorf("%s: expected node %s, got %s", tt.description, tt.expectedID, selected.ID)
			}
			if req.Model != selected.Model() {
				t.Errorf("%s: request model %q not bound to %q", tt.description, req.Model, selected.Model())
			}
		})
	}
}

func TestLeastLoadedRouter_KeepsExplicitModel(t *testing.T) {
	router := NewLeastLoadedRouter("qwen-110b")
	req := &core.InferenceRequest{Model: "llama-8b"}
	nodes := []core.NodeView{
		node("a", "qwen-110b", protocol.StatusOnline, 0),
		node("b", "llama-8b", protocol.StatusOnline, 9),
	}

	selected, err := router.Select(context.Background(), nodes, req)
	if err != nil {
		t.Fatal(err)
	}
	if selected.ID != "b" || req.Model != "llama-8b" {
		t.Errorf("explicit model must not fall back to default: got %s / %s", selected.ID, req.Model)
	}
}

func TestLeastLoadedRouter_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLeastLoadedRouter("m").Select(ctx, []core.NodeView{node("a", "m", protocol.StatusOnline, 0)}, &core.InferenceRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
