package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	xerrors "OpenMCP-Paygate/internal/errors"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Tier 表示工具的访问级别，决定是否需要经过支付网关。
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierUltra   Tier = "ultra"
)

// ParseTier 解析配置中的级别字符串。
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierPremium:
		return TierPremium, nil
	case TierUltra:
		return TierUltra, nil
	default:
		return "", fmt.Errorf("unknown tier %q", raw)
	}
}

// Paid 判断该级别是否需要付费。
func (t Tier) Paid() bool {
	return t == TierPremium || t == TierUltra
}

const (
	// CodeToolNotFound 表示请求的工具不在目录中。
	CodeToolNotFound xerrors.Code = "TOOL_NOT_FOUND"
	// CodeValidation 表示参数不满足工具的输入约束。
	CodeValidation xerrors.Code = "VALIDATION_ERROR"
	// CodeInvalidCatalog 表示目录文件存在结构性错误。
	CodeInvalidCatalog xerrors.Code = "INVALID_CATALOG"
)

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:    "tool not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:    "arguments do not match the tool input schema",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeInvalidCatalog, xerrors.Attributes{
		Message:    "invalid tool catalog",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: 500,
	})
}

// ToolDescriptor 描述一个可调用工具，加载后不可变。
type ToolDescriptor struct {
	ID          string          `json:"id"`
	Tier        Tier            `json:"tier"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`

	schema     *jsonschema.Schema
	properties map[string]struct{}
}

// Properties 返回输入 schema 声明的顶层字段名。
func (d ToolDescriptor) Properties() []string {
	names := make([]string, 0, len(d.properties))
	for name := range d.properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sanitize 丢弃 schema 未声明的顶层参数，返回新的 map。
func (d ToolDescriptor) Sanitize(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		if _, ok := d.properties[key]; ok {
			out[key] = value
		}
	}
	return out
}

// Validate 按输入 schema 校验参数。参数先经过一次 JSON 往返以获得 schema 库期望的数值类型。
func (d ToolDescriptor) Validate(args map[string]any) error {
	if d.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return xerrors.Wrap(CodeValidation, err, "arguments are not valid JSON")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return xerrors.Wrap(CodeValidation, err, "arguments are not valid JSON")
	}
	if err := d.schema.Validate(doc); err != nil {
		return xerrors.Wrap(CodeValidation, err, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		location := leaf.InstanceLocation
		if location == "" {
			location = "/"
		}
		return fmt.Sprintf("%s: %s", location, leaf.Message)
	}
	return err.Error()
}

// Entry 对应目录 YAML 中的一条记录。
type Entry struct {
	ID          string         `yaml:"id"`
	Tier        string         `yaml:"tier"`
	Price       string         `yaml:"price"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`
}

type file struct {
	Tools []Entry `yaml:"tools"`
}

// Catalog 是只读的工具注册表，可被任意数量的调用方并发读取。
type Catalog struct {
	tools map[string]ToolDescriptor
	order []string
}

// Load 从 YAML 文件构造目录，任何结构错误都会使启动失败。
func Load(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidCatalog, err, "读取工具目录失败")
	}
	var f file
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, xerrors.Wrap(CodeInvalidCatalog, err, "解析工具目录失败")
	}
	return New(f.Tools)
}

// New 校验并构造目录。
func New(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, xerrors.New(CodeInvalidCatalog, "工具目录为空")
	}
	c := &Catalog{tools: make(map[string]ToolDescriptor, len(entries))}
	for idx, entry := range entries {
		desc, err := buildDescriptor(entry)
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalidCatalog, err, fmt.Sprintf("第 %d 个工具无效", idx+1))
		}
		if _, dup := c.tools[desc.ID]; dup {
			return nil, xerrors.New(CodeInvalidCatalog, fmt.Sprintf("工具 %s 重复定义", desc.ID))
		}
		c.tools[desc.ID] = desc
		c.order = append(c.order, desc.ID)
	}
	return c, nil
}

func buildDescriptor(entry Entry) (ToolDescriptor, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return ToolDescriptor{}, fmt.Errorf("missing id")
	}
	tier, err := ParseTier(entry.Tier)
	if err != nil {
		return ToolDescriptor{}, fmt.Errorf("%s: %w", id, err)
	}

	price := decimal.Zero
	if raw := strings.TrimSpace(entry.Price); raw != "" {
		price, err = decimal.NewFromString(raw)
		if err != nil {
			return ToolDescriptor{}, fmt.Errorf("%s: invalid price %q", id, entry.Price)
		}
	}
	switch {
	case price.IsNegative():
		return ToolDescriptor{}, fmt.Errorf("%s: negative price %s", id, price)
	case tier.Paid() && !price.IsPositive():
		return ToolDescriptor{}, fmt.Errorf("%s: %s tier requires a positive price", id, tier)
	case !tier.Paid() && !price.IsZero():
		return ToolDescriptor{}, fmt.Errorf("%s: free tier cannot carry a price", id)
	}

	schemaDoc := entry.InputSchema
	if schemaDoc == nil {
		schemaDoc = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return ToolDescriptor{}, fmt.Errorf("%s: encode input schema: %w", id, err)
	}
	compiled, err := compileSchema(id, raw)
	if err != nil {
		return ToolDescriptor{}, err
	}

	props := make(map[string]struct{})
	if declared, ok := schemaDoc["properties"].(map[string]any); ok {
		for name := range declared {
			props[name] = struct{}{}
		}
	}

	return ToolDescriptor{
		ID:          id,
		Tier:        tier,
		Price:       price,
		Description: strings.TrimSpace(entry.Description),
		InputSchema: raw,
		schema:      compiled,
		properties:  props,
	}, nil
}

func compileSchema(id string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://paygate.schemas.local/tools/%s.schema.json", id)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%s: load input schema: %w", id, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%s: compile input schema: %w", id, err)
	}
	return compiled, nil
}

// Lookup 根据工具 ID 返回描述，不存在时返回 TOOL_NOT_FOUND。
func (c *Catalog) Lookup(id string) (ToolDescriptor, error) {
	if c == nil {
		return ToolDescriptor{}, xerrors.New(CodeToolNotFound, fmt.Sprintf("tool %q not found", id))
	}
	desc, ok := c.tools[id]
	if !ok {
		return ToolDescriptor{}, xerrors.New(CodeToolNotFound, fmt.Sprintf("tool %q not found", id))
	}
	return desc, nil
}

// PriceOf 返回工具价格（展示单位）。
func (c *Catalog) PriceOf(id string) (decimal.Decimal, error) {
	desc, err := c.Lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	return desc.Price, nil
}

// List 按目录文件中的顺序返回全部工具。
func (c *Catalog) List() []ToolDescriptor {
	if c == nil {
		return nil
	}
	out := make([]ToolDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tools[id])
	}
	return out
}

// Len 返回工具数量。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}
