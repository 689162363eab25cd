/*
 * @module service/config/catalog
 * @description 质量目录配置：严重级别规则与内置指标描述，YAML 文件缺省时回退到内置默认值
 * @architecture 分层架构 - 配置层
 * @documentReference DESIGN.md
 * @stateFlow LoadCatalog -> 读取 YAML -> 严格解码 -> 构建分类器校验规则
 * @rules 文件中出现未知字段视为错误；severity_rules 为空时使用默认规则
 * @dependencies gopkg.in/yaml.v3
 * @refs service/quality/severity.go, service/quality/builtin.go
 */

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"dataquality-service/service/quality"

	"gopkg.in/yaml.v3"
)

// Catalog 质量目录
type Catalog struct {
	SeverityRules      []quality.SeverityRule `yaml:"severity_rules"`
	MetricDescriptions map[string]string      `yaml:"metric_descriptions"`
}

// DefaultCatalog 内置默认目录
func DefaultCatalog() *Catalog {
	return &Catalog{
		SeverityRules:      quality.DefaultSeverityRules(),
		MetricDescriptions: map[string]string{},
	}
}

// ParseCatalog 解析 YAML 目录内容
func ParseCatalog(data []byte) (*Catalog, error) {
	cat := &Catalog{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析质量目录失败: %w", err)
	}

	if len(cat.SeverityRules) == 0 {
		cat.SeverityRules = quality.DefaultSeverityRules()
	}
	if cat.MetricDescriptions == nil {
		cat.MetricDescriptions = map[string]string{}
	}
	if _, err := cat.Classifier(); err != nil {
		return nil, err
	}
	return cat, nil
}

// LoadCatalog 读取目录文件，路径为空时返回默认目录
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取质量目录 %s 失败: %w", path, err)
	}
	return ParseCatalog(data)
}

// Classifier 按目录规则构建严重级别分类器
func (c *Catalog) Classifier() (*quality.Classifier, error) {
	return quality.NewClassifier(c.SeverityRules)
}
