package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMethodName(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"Standard function", "github.com/zhengshuai-xiao/TierBak/backup.(*Manager).CreateBackup", "CreateBackup"},
		{"Method with pointer receiver", "github.com/zhengshuai-xiao/TierBak/backup.(*Manager).uploadRaw", "uploadRaw"},
		{"Anonymous function", "github.com/zhengshuai-xiao/TierBak/backup.(*Manager).CreateBackup.func1", "CreateBackup"},
		{"Simple function", "main.main", "main"},
		{"No package path", "MyFunction", "MyFunction"},
		{"Empty string", "", ""},
		{"Just a dot", ".", "."},
		{"Trailing dot", "some.package.", "package"},
		{"Leading dot", ".some.package", "package"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := MethodName(tc.input)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestGetLoggerReturnsSameHandle(t *testing.T) {
	l1 := GetLogger("logger_test")
	l2 := GetLogger("logger_test")
	assert.Same(t, l1, l2)
}
