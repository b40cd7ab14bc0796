package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	// Gateway
	&MessageRecord{},
	&ScheduledJob{},
	&AutoReplyRule{},
}
