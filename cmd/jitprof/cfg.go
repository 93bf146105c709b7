package main

import (
	"fmt"
	"os"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/recomp/internal/jit/ir"
)

// exitBlock succs 中表示方法出口
const exitBlock = -1

// cfgFile 控制流图描述
//
//	{
//	  "name": "diamond",
//	  "blocks": [
//	    {"id": 0, "succs": [1, 2]},
//	    {"id": 1, "succs": [3]},
//	    {"id": 2, "succs": [3]},
//	    {"id": 3, "succs": [-1]}
//	  ],
//	  "traces": [[0, 1, 3], [0, 2, 3]]
//	}
//
// 第一个块（或标记 entry 的块）是入口的后继。
type cfgFile struct {
	Name   string     `json:"name"`
	Blocks []cfgBlock `json:"blocks"`
	Traces [][]int    `json:"traces,omitempty"`
}

type cfgBlock struct {
	ID    int      `json:"id"`
	Entry bool     `json:"entry,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
	Succs []int    `json:"succs,omitempty"`
	// Freqs 与 Succs 对应的边频率估计，可省略
	Freqs []int32 `json:"freqs,omitempty"`
	Catch []int   `json:"catch,omitempty"`
}

var blockKinds = map[string]ir.BlockKind{
	"catch":     ir.KindCatch,
	"osrCatch":  ir.KindOSRCatch,
	"osrCode":   ir.KindOSRCode,
	"osrInduce": ir.KindOSRInduce,
	"cold":      ir.KindCold,
}

// cfgGraph 由描述建立的图
type cfgGraph struct {
	g      *ir.Graph
	blocks map[int]*ir.Block // 描述中的 id -> 块
	ids    map[int]int       // 块号 -> 描述中的 id
	traces [][]int           // 已转换为块号
}

// id 块号对应的描述 id，拆边生成的块没有 id
func (c *cfgGraph) id(number int) (int, bool) {
	id, ok := c.ids[number]
	return id, ok
}

func loadCFG(path string) (*cfgGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 CFG 失败: %w", err)
	}
	var f cfgFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析 CFG %s 失败: %w", path, err)
	}
	return buildCFG(&f)
}

func buildCFG(f *cfgFile) (*cfgGraph, error) {
	if len(f.Blocks) == 0 {
		return nil, fmt.Errorf("CFG %q 没有块", f.Name)
	}
	name := f.Name
	if name == "" {
		name = "cfg"
	}
	c := &cfgGraph{
		g:      ir.NewGraph(name),
		blocks: make(map[int]*ir.Block, len(f.Blocks)),
		ids:    make(map[int]int, len(f.Blocks)),
	}
	entry := -1
	for i, desc := range f.Blocks {
		if _, dup := c.blocks[desc.ID]; dup {
			return nil, fmt.Errorf("块 %d 重复定义", desc.ID)
		}
		var kind ir.BlockKind
		for _, k := range desc.Kinds {
			bk, ok := blockKinds[k]
			if !ok {
				return nil, fmt.Errorf("块 %d: 未知类型 %q", desc.ID, k)
			}
			kind |= bk
		}
		b := c.g.AddBlock(kind)
		c.blocks[desc.ID] = b
		c.ids[b.Number] = desc.ID
		if desc.Entry || (i == 0 && entry < 0) {
			entry = desc.ID
		}
	}
	c.g.AddEdge(c.g.Start(), c.blocks[entry])

	for _, desc := range f.Blocks {
		from := c.blocks[desc.ID]
		if len(desc.Freqs) > 0 && len(desc.Freqs) != len(desc.Succs) {
			return nil, fmt.Errorf("块 %d: freqs 与 succs 长度不同", desc.ID)
		}
		for i, s := range desc.Succs {
			to, err := c.lookup(s)
			if err != nil {
				return nil, fmt.Errorf("块 %d: %w", desc.ID, err)
			}
			if len(desc.Freqs) > 0 {
				c.g.AddEdgeFreq(from, to, desc.Freqs[i])
			} else {
				c.g.AddEdge(from, to)
			}
		}
		for _, s := range desc.Catch {
			to, err := c.lookup(s)
			if err != nil || to == c.g.End() {
				return nil, fmt.Errorf("块 %d: 异常后继 %d 不存在", desc.ID, s)
			}
			c.g.AddExceptionEdge(from, to)
		}
	}
	if err := c.g.Validate(); err != nil {
		return nil, err
	}

	for i, tr := range f.Traces {
		nums := make([]int, len(tr))
		for j, id := range tr {
			b, ok := c.blocks[id]
			if !ok {
				return nil, fmt.Errorf("轨迹 %d: 块 %d 不存在", i, id)
			}
			nums[j] = b.Number
		}
		c.traces = append(c.traces, nums)
	}
	return c, nil
}

func (c *cfgGraph) lookup(id int) (*ir.Block, error) {
	if id == exitBlock {
		return c.g.End(), nil
	}
	b, ok := c.blocks[id]
	if !ok {
		return nil, fmt.Errorf("后继 %d 不存在", id)
	}
	return b, nil
}
