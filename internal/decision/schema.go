package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tapesim/internal/logger"
)

// SchemaRegistry 管理决策输出的 JSON Schema。
// 支持热更新：文件改坏时保留上一版已编译的 schema，只记错误日志。
type SchemaRegistry struct {
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	snapshot SchemaSnapshot
}

// SchemaSnapshot 当前生效的 schema 视图。
type SchemaSnapshot struct {
	Version     int64
	LoadedAt    time.Time
	Description string
	Hint        string

	compiled *jsonschema.Schema
}

type schemaFile struct {
	DecisionSchema struct {
		Description string         `yaml:"description"`
		PromptHint  string         `yaml:"prompt_hint"`
		Schema      map[string]any `yaml:"schema"`
	} `yaml:"decision_schema"`
}

// NewSchemaRegistry 读取 schema 文件，watch 为真时监听变更。
func NewSchemaRegistry(path string, watch bool) (*SchemaRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("schema 路径不能为空")
	}
	r := &SchemaRegistry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取 schema 配置失败: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				logger.Errorf("schema 热更新失败，沿用旧版本: %v", err)
				return
			}
			logger.Infof("决策 schema 已热更新: %s", filepath.Base(path))
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

func (r *SchemaRegistry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("读取 schema 文件失败: %w", err)
	}
	var file schemaFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return fmt.Errorf("解析 schema 文件失败: %w", err)
	}
	if len(file.DecisionSchema.Schema) == 0 {
		return fmt.Errorf("schema 文件缺少 decision_schema.schema 节点")
	}
	compiled, err := compileSchema(file.DecisionSchema.Schema)
	if err != nil {
		return fmt.Errorf("编译 schema 失败: %w", err)
	}

	r.mu.Lock()
	r.snapshot = SchemaSnapshot{
		Version:     r.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Description: strings.TrimSpace(file.DecisionSchema.Description),
		Hint:        strings.TrimSpace(file.DecisionSchema.PromptHint),
		compiled:    compiled,
	}
	r.mu.Unlock()
	return nil
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// Snapshot 返回当前 schema 视图。
func (r *SchemaRegistry) Snapshot() SchemaSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// PromptHint 返回拼进系统提示词的输出契约片段。
func (r *SchemaRegistry) PromptHint() string {
	return r.Snapshot().Hint
}

// ValidateJSON 用当前 schema 校验提取出的决策 JSON 文本。
func (r *SchemaRegistry) ValidateJSON(raw string) error {
	snap := r.Snapshot()
	if snap.compiled == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fmt.Errorf("json 解析失败: %w", err)
	}
	return snap.compiled.Validate(sanitizeValue(v))
}

// sanitizeValue 递归把字符串形式的数字转成 float64，
// 兼容模型偶尔返回 "3000" 而非 3000 的情况。
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeValue(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}
