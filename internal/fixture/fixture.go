// Package fixture 为各包测试生成类文件与 jar 归档。
package fixture

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/jar-analysis/jar-analysis-go/internal/classfile"
	"github.com/stretchr/testify/require"
)

// Entry 归档条目
type Entry struct {
	Name string
	Data []byte
}

const (
	opLdc     = 0x12
	opAreturn = 0xb0
	opReturn  = 0xb1
)

// Class 只有类头、没有成员的类
func Class(t testing.TB, internalName string) []byte {
	t.Helper()
	cf, err := classfile.NewClass(internalName, "java/lang/Object", classfile.AccPublic|classfile.AccSuper)
	require.NoError(t, err)
	return cf.Bytes()
}

// SecretClass internalName 类，含 greet()Ljava/lang/String; 返回 literal，以及 run()V
func SecretClass(t testing.TB, internalName, literal string) []byte {
	t.Helper()
	cf, err := classfile.NewClass(internalName, "java/lang/Object", classfile.AccPublic|classfile.AccSuper)
	require.NoError(t, err)

	s, err := cf.Pool.AddString(literal)
	require.NoError(t, err)
	require.LessOrEqual(t, s, uint16(0xFF))

	addMethod(t, cf, "greet", "()Ljava/lang/String;", &classfile.Code{
		MaxStack: 1, MaxLocals: 1,
		Bytecode: []byte{opLdc, byte(s), opAreturn},
	})
	addMethod(t, cf, "run", "()V", &classfile.Code{
		MaxStack: 0, MaxLocals: 1,
		Bytecode: []byte{opReturn},
	})
	return cf.Bytes()
}

func addMethod(t testing.TB, cf *classfile.ClassFile, name, desc string, code *classfile.Code) {
	t.Helper()
	n, err := cf.Pool.AddUtf8(name)
	require.NoError(t, err)
	d, err := cf.Pool.AddUtf8(desc)
	require.NoError(t, err)
	c, err := cf.Pool.AddUtf8("Code")
	require.NoError(t, err)
	info, err := code.Encode()
	require.NoError(t, err)
	cf.Methods = append(cf.Methods, classfile.Member{
		AccessFlags:     classfile.AccPublic,
		NameIndex:       n,
		DescriptorIndex: d,
		Attributes:      []classfile.Attribute{{NameIndex: c, Info: info}},
	})
}

// WriteJar 在 dir 下写出 name 归档，条目按给定顺序
func WriteJar(t testing.TB, dir, name string, entries []Entry) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		require.NoError(t, err)
		_, err = w.Write(e.Data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

// SampleJar 常用的测试归档：
// demo/Secret（greet 返回 "secret"）、demo/Plain、以及一个清单文件
func SampleJar(t testing.TB) string {
	t.Helper()
	return WriteJar(t, t.TempDir(), "sample.jar", []Entry{
		{Name: "META-INF/MANIFEST.MF", Data: []byte("Manifest-Version: 1.0\n")},
		{Name: "demo/Secret.class", Data: SecretClass(t, "demo/Secret", "secret")},
		{Name: "demo/Plain.class", Data: Class(t, "demo/Plain")},
	})
}
