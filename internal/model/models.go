package model

// All 返回需要迁移的全部表
func All() []any {
	return []any{
		&User{},
		&Follow{},
		&Fan{},
		&Post{},
		&PostLike{},
		&PostEvent{},
		&Inbox{},
		&Tag{},
		&PostTag{},
		&PostMention{},
		&Notification{},
		&QueueTask{},
		&DeadLetter{},
	}
}
