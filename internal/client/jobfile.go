package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"regent/pkg/model"
)

// JobFile CLI 使用的作业描述文件，Artifacts 是相对文件所在目录的本地路径
type JobFile struct {
	model.JobDescriptor `yaml:",inline"`
	Artifacts           []string `yaml:"artifacts,omitempty"`

	dir string
}

func LoadJobFile(path string) (*JobFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var jf JobFile
	if err := yaml.Unmarshal(raw, &jf); err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", path, err)
	}
	if jf.Plan.Type == "" {
		jf.Plan.Type = model.JobTypeShell
	}
	if len(jf.Plan.Command) == 0 && jf.Plan.Type == model.JobTypeShell {
		return nil, fmt.Errorf("job file %s: shell jobs need a command", path)
	}
	jf.dir = filepath.Dir(path)
	return &jf, nil
}

// SubmitJobFile 先上传制品再提交作业；没有 ID 时在本地生成，保证制品归属同一个作业
func (c *Client) SubmitJobFile(ctx context.Context, jf *JobFile) (string, error) {
	desc := jf.JobDescriptor.Clone()
	if desc.ID == "" {
		desc.ID = model.NewJobID()
	}
	for _, p := range jf.Artifacts {
		if !filepath.IsAbs(p) {
			p = filepath.Join(jf.dir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("read artifact: %w", err)
		}
		key, err := c.UploadArtifact(ctx, desc.ID, data)
		if err != nil {
			return "", fmt.Errorf("upload artifact %s: %w", p, err)
		}
		desc.ArtifactKeys = append(desc.ArtifactKeys, key)
	}
	return c.Submit(ctx, desc)
}
