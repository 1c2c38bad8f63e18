package model

import "fmt"

// Sample 从数据集原始行归一化后的样本，基准执行器只读使用
type Sample struct {
	RowIndex      int     `json:"rowIndex"`
	Split         string  `json:"split"`
	AudioURL      string  `json:"audioUrl"`
	ReferenceText string  `json:"referenceText"`
	Speaker       string  `json:"speaker,omitempty"`
	Gender        string  `json:"gender,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
	Volume        float64 `json:"volume,omitempty"`
	SampleRate    int     `json:"sampleRate,omitempty"`
}

// Key 样本标识：split + 行号
func (s Sample) Key() string {
	return fmt.Sprintf("%s:%d", s.Split, s.RowIndex)
}
