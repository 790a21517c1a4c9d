package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/sabeel/offline-cache/internal/policy"
)

// RegisterPolicyRoutes 暴露 /-/policies 诊断接口，查询分类规则与各策略读写的缓存。
func RegisterPolicyRoutes(app *fiber.App, classifier policy.Classifier) {
	if app == nil {
		return
	}

	app.Get("/-/policies", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"policies": encodePolicies(policy.List()),
			"rules":    encodeRules(classifier),
		}
		return c.JSON(payload)
	})

	app.Get("/-/policies/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "policy_key_required"})
		}
		desc, ok := policy.Resolve(policy.Policy(key))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "policy_not_found"})
		}
		return c.JSON(encodePolicy(desc))
	})
}

type policyPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Store       string `json:"store"`
	Fabricates  bool   `json:"fabricates"`
}

type rulePayload struct {
	Prefix string `json:"prefix"`
	Policy string `json:"policy"`
}

func encodePolicies(descs []policy.Descriptor) []policyPayload {
	if len(descs) == 0 {
		return nil
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Policy < descs[j].Policy
	})
	result := make([]policyPayload, 0, len(descs))
	for _, desc := range descs {
		result = append(result, encodePolicy(desc))
	}
	return result
}

func encodePolicy(desc policy.Descriptor) policyPayload {
	return policyPayload{
		Key:         string(desc.Policy),
		Description: desc.Description,
		Store:       string(desc.Store),
		Fabricates:  desc.Fabricates,
	}
}

// encodeRules 按匹配顺序列出前缀规则，最后一条为兜底规则。
func encodeRules(classifier policy.Classifier) []rulePayload {
	var rules []rulePayload
	if classifier.APIPrefix != "" {
		rules = append(rules, rulePayload{Prefix: classifier.APIPrefix, Policy: string(policy.NetworkFirst)})
	}
	if classifier.OfflinePrefix != "" {
		rules = append(rules, rulePayload{Prefix: classifier.OfflinePrefix, Policy: string(policy.CacheOnlyPlaceholder)})
	}
	return append(rules, rulePayload{Prefix: "/", Policy: string(policy.CacheFirst)})
}
