package telegram

import (
	"encoding/json"
	"time"

	tele "gopkg.in/telebot.v4"
)

// reportingPoller is a long poller that hands the first getUpdates failure
// to onFail and then idles until stopped. telebot's own LongPoller retries
// silently in a tight loop; the supervisor's reconnect policy owns recovery.
type reportingPoller struct {
	timeout time.Duration
	onFail  func(error)

	lastID int
}

var allowedUpdates = []string{"message", "channel_post"}

func (p *reportingPoller) Poll(b *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		data, err := b.Raw("getUpdates", map[string]any{
			"offset":          p.lastID + 1,
			"timeout":         int(p.timeout / time.Second),
			"allowed_updates": allowedUpdates,
		})
		if err == nil {
			var resp struct {
				Result []tele.Update `json:"result"`
			}
			if err = json.Unmarshal(data, &resp); err == nil {
				for _, u := range resp.Result {
					p.lastID = u.ID
					select {
					case dest <- u:
					case <-stop:
						return
					}
				}
				continue
			}
		}

		if p.onFail != nil {
			p.onFail(classify(err))
		}
		<-stop
		return
	}
}
