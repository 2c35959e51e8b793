package usage

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func benchTexts(n int) map[string]string {
	texts := make(map[string]string, n)
	for i := 0; i < n; i++ {
		var sb strings.Builder
		fmt.Fprintf(&sb, "package com.acme.m%d;\n\npublic class C%d {\n", i%10, i)
		for j := 0; j < 40; j++ {
			fmt.Fprintf(&sb, "    private String f%d = helper%d(\"value %d\");\n", j, j, j)
		}
		if i%7 == 0 {
			sb.WriteString("    Foo foo = new Foo();\n")
		}
		sb.WriteString("}\n")
		texts[fmt.Sprintf("com.acme.m%d.C%d", i%10, i)] = sb.String()
	}
	return texts
}

// BenchmarkFindUsages 顺序搜索
func BenchmarkFindUsages(b *testing.B) {
	texts := benchTexts(500)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = FindUsages("Foo", texts)
	}
}

// BenchmarkFindUsagesParallel 与顺序版本对比
func BenchmarkFindUsagesParallel(b *testing.B) {
	texts := benchTexts(500)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := FindUsagesParallel(ctx, "Foo", texts, 4); err != nil {
			b.Fatal(err)
		}
	}
}
