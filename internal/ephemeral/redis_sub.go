package ephemeral

func (r *redisSub) pump() {
	defer close(r.ch)
	ch := r.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case r.ch <- []byte(msg.Payload):
			case <-r.done:
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *redisSub) Channel() <-chan []byte { return r.ch }

func (r *redisSub) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.pubsub.Close()
	})
	return err
}
