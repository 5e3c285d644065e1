// Package errdefs 定义安装流水线的错误类型。
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 错误分类
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindValidation         Kind = "validation"
	KindStrategyConflict   Kind = "strategy_conflict"
	KindIssuanceFailure    Kind = "issuance_failure"
	KindMissingCertificate Kind = "missing_certificate"
	KindSchemaCheck        Kind = "schema_check_failure"
)

// ValidationError 凭据或材料格式错误
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid 构造 ValidationError
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StrategyConflictError 证书输入互相矛盾
type StrategyConflictError struct {
	Inputs []string
	Reason string
}

func (e *StrategyConflictError) Error() string {
	return fmt.Sprintf("certificate strategy conflict (%s): %s", strings.Join(e.Inputs, ", "), e.Reason)
}

// IssuanceError 证书签发失败
type IssuanceError struct {
	Domain string
	Err    error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("certificate issuance for %s failed: %v", e.Domain, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// MissingCertificateError 需要证书的协议没有可用证书
type MissingCertificateError struct {
	Protocol string
}

func (e *MissingCertificateError) Error() string {
	return fmt.Sprintf("protocol %s requires a certificate but none is available", e.Protocol)
}

// SchemaCheckError sing-box check 拒绝配置，Diagnostic 保留引擎原始输出
type SchemaCheckError struct {
	Diagnostic string
}

func (e *SchemaCheckError) Error() string {
	return "sing-box rejected the configuration: " + e.Diagnostic
}

// KindOf 返回错误链中第一个可识别的错误分类
func KindOf(err error) Kind {
	var (
		validation *ValidationError
		conflict   *StrategyConflictError
		issuance   *IssuanceError
		missing    *MissingCertificateError
		schema     *SchemaCheckError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return KindStrategyConflict
	case errors.As(err, &issuance):
		return KindIssuanceFailure
	case errors.As(err, &missing):
		return KindMissingCertificate
	case errors.As(err, &schema):
		return KindSchemaCheck
	case errors.As(err, &validation):
		return KindValidation
	}
	return KindUnknown
}

// ExitCode CLI 退出码
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return 0
	case KindValidation:
		return 2
	case KindStrategyConflict:
		return 3
	case KindIssuanceFailure:
		return 4
	case KindMissingCertificate:
		return 5
	case KindSchemaCheck:
		return 6
	}
	return 1
}
