package registry

import "strings"

// Role 语义化说话人角色
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// MapRole 将服务商角色标签映射为agent/customer
//
// 映射依赖呼叫方向：外呼时remote腿是坐席、local腿是客户，
// 呼入时反转。无法识别的标签原样透传并返回mapped=false。
func MapRole(direction Direction, roleTag string) (role Role, mapped bool) {
	var remote bool
	switch normalizeRoleTag(roleTag) {
	case "remote-caller":
		remote = true
	case "local-caller":
		remote = false
	default:
		return Role(roleTag), false
	}

	if direction == DirectionInbound {
		remote = !remote
	}
	if remote {
		return RoleAgent, true
	}
	return RoleCustomer, true
}

// normalizeRoleTag 兼容下划线变体
func normalizeRoleTag(tag string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), "_", "-")
}
