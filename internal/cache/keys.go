package cache

import (
	"fmt"
	"strings"
)

func PostKey(id string) string    { return "post:" + id }
func PostGenKey(id string) string { return "post:" + id + ":gen" }

func TimelinePageKey(userID string, page int) string {
	return fmt.Sprintf("timeline:%s:page:%d", userID, page)
}

// TimelinePagesKey 记录某个用户已缓存分页键的集合，失效时按集合删除
func TimelinePagesKey(userID string) string { return "timeline:" + userID + ":pages" }
func TimelineGenKey(userID string) string   { return "timeline:" + userID + ":gen" }

// pageIndexKey 分页键所属的索引集合；非分页键返回空
func pageIndexKey(key string) string {
	if !strings.HasPrefix(key, "timeline:") {
		return ""
	}
	i := strings.LastIndex(key, ":page:")
	if i <= len("timeline:") {
		return ""
	}
	return TimelinePagesKey(key[len("timeline:"):i])
}

func FollowingKey(userID string) string    { return "following:" + userID }
func FollowingGenKey(userID string) string { return "following:" + userID + ":gen" }

// namespace 用于指标维度：post / timeline / following
func namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// Target 一次失效的范围：先推进 generation，再删除 Keys 和 IndexKey 集合里登记的键
type Target struct {
	GenKey   string
	Keys     []string
	IndexKey string
}

func PostTarget(id string) Target {
	return Target{GenKey: PostGenKey(id), Keys: []string{PostKey(id)}}
}

func TimelineTarget(userID string) Target {
	return Target{GenKey: TimelineGenKey(userID), IndexKey: TimelinePagesKey(userID)}
}

func FollowingTarget(userID string) Target {
	return Target{GenKey: FollowingGenKey(userID), Keys: []string{FollowingKey(userID)}}
}
